package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/wolfeidau/aptg/telemetry"
)

// InstrumentedBackend records the latency and outcome of every operation on
// the wrapped backend.
type InstrumentedBackend struct {
	backend Backend
	name    string
}

// NewInstrumentedBackend wraps b. name labels the metrics.
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) record(ctx context.Context, op string, start time.Time, err error, n int64) {
	telemetry.RecordBackendOp(ctx, ib.name, op, outcomeFromError(err), time.Since(start), n)
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, key, cr)
	ib.record(ctx, "write", start, err, cr.n)
	return err
}

// Open returns the wrapped backend's reader unchanged so it stays seekable.
// Only the open itself is timed.
func (ib *InstrumentedBackend) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Open(ctx, key)
	ib.record(ctx, "open", start, err, 0)
	return rc, err
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	ib.record(ctx, "delete", start, err, 0)
	return err
}

func (ib *InstrumentedBackend) Stat(ctx context.Context, key string) (int64, error) {
	start := time.Now()
	size, err := ib.backend.Stat(ctx, key)
	ib.record(ctx, "stat", start, err, 0)
	return size, err
}

// Walk is recorded once for the whole traversal, with the bytes it saw.
func (ib *InstrumentedBackend) Walk(ctx context.Context, prefix string, fn func(key string, size int64) error) error {
	start := time.Now()
	var total int64
	err := ib.backend.Walk(ctx, prefix, func(key string, size int64) error {
		total += size
		return fn(key, size)
	})
	ib.record(ctx, "walk", start, err, total)
	return err
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.backend
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

var _ Backend = (*InstrumentedBackend)(nil)
