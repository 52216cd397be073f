// Package telemetry carries per-request metadata through contexts and records
// it as OpenTelemetry metrics.
package telemetry

import (
	"context"
	"net/http"
)

type (
	tagsKey      struct{}
	fetchInfoKey struct{}
)

// CacheResult is how the cache answered a request.
type CacheResult string

const (
	CacheHit         CacheResult = "hit"
	CacheMiss        CacheResult = "miss"
	CacheRevalidated CacheResult = "revalidated"
	CacheBypass      CacheResult = "bypass"
)

// RequestTags is filled in by handlers and read back by the logging
// middleware once the response is written.
type RequestTags struct {
	RequestID   string
	Kind        string
	CacheResult CacheResult
	Outcome     string
}

// Tag attaches fresh tags carrying requestID to r.
func Tag(r *http.Request, requestID string) *http.Request {
	tags := &RequestTags{RequestID: requestID, CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), tagsKey{}, tags))
}

// Tags returns the request's tags, or nil for an untagged request.
func Tags(r *http.Request) *RequestTags {
	return tagsFrom(r.Context())
}

func tagsFrom(ctx context.Context) *RequestTags {
	tags, _ := ctx.Value(tagsKey{}).(*RequestTags)
	return tags
}

// RequestIDFromContext returns the request id, or "" outside a request.
func RequestIDFromContext(ctx context.Context) string {
	if tags := tagsFrom(ctx); tags != nil {
		return tags.RequestID
	}
	return ""
}

// SetKind records the repository path kind.
func SetKind(r *http.Request, kind string) {
	if tags := Tags(r); tags != nil {
		tags.Kind = kind
	}
}

func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := Tags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetOutcome records the pipeline outcome class.
func SetOutcome(r *http.Request, outcome string) {
	if tags := Tags(r); tags != nil {
		tags.Outcome = outcome
	}
}

// LogAttrs returns the set tags as slog key/value pairs. The cache result is
// only meaningful for repository paths.
func (t *RequestTags) LogAttrs(repoPath bool) []any {
	var attrs []any
	if t.Kind != "" {
		attrs = append(attrs, "kind", t.Kind)
	}
	if repoPath {
		attrs = append(attrs, "cache_result", string(t.CacheResult))
	}
	if t.Outcome != "" {
		attrs = append(attrs, "outcome", t.Outcome)
	}
	return attrs
}

// FetchInfo describes an upstream request for the transport's metrics. The
// upstream client attaches it to each attempt's context.
type FetchInfo struct {
	// Kind is the repository path kind, e.g. "metadata-index".
	Kind string
	// Attempt counts from 1.
	Attempt int
}

// WithFetchInfo returns a context carrying info.
func WithFetchInfo(ctx context.Context, info FetchInfo) context.Context {
	return context.WithValue(ctx, fetchInfoKey{}, info)
}

func fetchInfo(ctx context.Context) FetchInfo {
	info, _ := ctx.Value(fetchInfoKey{}).(FetchInfo)
	if info.Kind == "" {
		info.Kind = "none"
	}
	return info
}
