package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/aptg/telemetry"
)

// Sink receives audit events. Implementations must be safe for concurrent
// use.
type Sink interface {
	Name() string
	Write(ctx context.Context, e *Event) error
	Close() error
}

// Log fans events out to its sinks.
type Log struct {
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithLogger sets the logger used to report sink failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		l.logger = logger
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// NewLog creates a log writing to sinks in order.
func NewLog(sinks []Sink, opts ...Option) *Log {
	l := &Log{
		sinks:  sinks,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "audit")
	return l
}

// Record stamps e with an id and timestamp, when missing, and writes it to
// every sink. A failing sink does not stop the others; sink errors are
// logged and joined into the returned error.
func (l *Log) Record(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}

	var errs []error
	for _, s := range l.sinks {
		// Sinks may annotate the event, so each gets its own copy.
		ev := e
		err := s.Write(ctx, &ev)
		telemetry.RecordAuditEvent(ctx, s.Name(), err)
		if err != nil {
			l.logger.Error("audit sink write failed",
				"sink", s.Name(),
				"event_id", e.ID,
				"path", e.Path,
				"error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recent returns up to n of the newest events from the first ring sink,
// newest first. It returns nil when no ring is configured.
func (l *Log) Recent(n int) []Event {
	for _, s := range l.sinks {
		if r, ok := s.(*Ring); ok {
			return r.Recent(n)
		}
	}
	return nil
}

// Close closes every sink.
func (l *Log) Close() error {
	var errs []error
	for _, s := range l.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
