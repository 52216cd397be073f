package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// FetchSample is one finished upstream request.
type FetchSample struct {
	Upstream string
	Kind     string
	Outcome  string
	Retry    bool
	Duration time.Duration
	Bytes    int64
}

// InstrumentedTransport records a FetchSample per upstream round trip. The
// sample is taken when the body is closed, so duration and bytes cover the
// whole download.
type InstrumentedTransport struct {
	base     http.RoundTripper
	upstream string
}

// NewInstrumentedTransport creates a transport labelled with the upstream
// host. A nil base uses http.DefaultTransport.
func NewInstrumentedTransport(base http.RoundTripper, upstream string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, upstream: upstream}
}

// RoundTrip implements http.RoundTripper.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	info := fetchInfo(ctx)
	sample := FetchSample{
		Upstream: t.upstream,
		Kind:     info.Kind,
		Retry:    info.Attempt > 1,
	}
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		sample.Outcome = errorOutcome(ctx)
		sample.Duration = time.Since(start)
		RecordUpstreamFetch(ctx, sample)
		return nil, err
	}

	sample.Outcome = statusOutcome(resp.StatusCode)
	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        ctx,
		start:      start,
		sample:     sample,
	}
	return resp, nil
}

func errorOutcome(ctx context.Context) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "timeout"
	case ctx.Err() != nil:
		return "canceled"
	default:
		return "error"
	}
}

func statusOutcome(status int) string {
	switch {
	case status == http.StatusNotModified:
		return "not_modified"
	case status == http.StatusNotFound || status == http.StatusGone:
		return "not_found"
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "success"
	}
}

type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	start    time.Time
	sample   FetchSample
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.sample.Bytes += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		b.sample.Outcome = errorOutcome(b.ctx)
	}
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		b.sample.Duration = time.Since(b.start)
		RecordUpstreamFetch(b.ctx, b.sample)
	}
	return b.ReadCloser.Close()
}
