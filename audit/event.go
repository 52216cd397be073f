// Package audit records one event per proxied request describing how it was
// decided: the policy outcome, the cache outcome, the verification result and
// the final outcome. Events are append-only.
package audit

import (
	"time"
)

// Event is a single audit record, serialised as one JSON line.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`

	Method    string `json:"method,omitempty"`
	Path      string `json:"path"`
	ClientIP  string `json:"client_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	// Decision chain, in evaluation order.
	Policy       string `json:"policy"`
	Cache        string `json:"cache,omitempty"`
	Verification string `json:"verification,omitempty"`

	Outcome  string `json:"outcome"`
	Detail   string `json:"detail,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
	Status   int    `json:"status,omitempty"`
	Bytes    int64  `json:"bytes,omitempty"`

	DurationMS int64 `json:"duration_ms"`

	// PrevHash and Hash link file records into a tamper-evident chain.
	// They are only set by a FileSink with chaining enabled.
	PrevHash string `json:"prev_hash,omitempty"`
	Hash     string `json:"hash,omitempty"`
}

// SetDuration records the request duration in milliseconds.
func (e *Event) SetDuration(d time.Duration) {
	e.DurationMS = d.Milliseconds()
}
