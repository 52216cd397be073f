// Package download coordinates concurrent cache fills. When several requests
// miss the cache for the same path, exactly one upstream fetch and
// verification runs and every waiter receives its outcome.
package download

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wolfeidau/aptg/telemetry"
)

// FillFunc fetches, verifies and stores one path. The context it receives is
// detached from every individual caller, so one caller going away does not
// cancel the fill for the others.
type FillFunc[T any] func(ctx context.Context) (T, error)

// Downloader deduplicates concurrent fills for the same key using
// singleflight. It uses DoChan so each caller can respect its own context
// deadline without cancelling the in-flight fill for others.
type Downloader[T any] struct {
	group   singleflight.Group
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	waiters map[string]int
}

// Option configures a Downloader.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	timeout time.Duration
}

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTimeout bounds each fill. Zero means the fill is bounded only by the
// function itself.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// New creates a new Downloader.
func New[T any](opts ...Option) *Downloader[T] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Downloader[T]{
		logger:  o.logger.With("component", "download"),
		timeout: o.timeout,
		waiters: make(map[string]int),
	}
}

// Do runs fn once for all concurrent callers with the same key. It returns
// the result, whether it was shared with another caller, and any error.
//
// If the caller's context ends before the fill completes, Do returns the
// context error but the fill continues for the remaining waiters and its
// result is still stored.
func (d *Downloader[T]) Do(ctx context.Context, key string, fn FillFunc[T]) (T, bool, error) {
	d.join(key)
	defer d.leave(key)

	ch := d.group.DoChan(key, func() (any, error) {
		fillCtx := context.WithoutCancel(ctx)
		if d.timeout > 0 {
			var cancel context.CancelFunc
			fillCtx, cancel = context.WithTimeout(fillCtx, d.timeout)
			defer cancel()
		}
		return fn(fillCtx)
	})

	var zero T
	select {
	case res := <-ch:
		telemetry.RecordFlight(ctx, res.Shared)
		if res.Err != nil {
			return zero, res.Shared, res.Err
		}
		v, _ := res.Val.(T)
		return v, res.Shared, nil
	case <-ctx.Done():
		d.logger.Debug("caller detached from fill", "key", key, "error", ctx.Err())
		return zero, false, ctx.Err()
	}
}

// Waiters returns the number of callers currently waiting on key.
func (d *Downloader[T]) Waiters(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waiters[key]
}

// InFlight returns the number of keys with at least one waiter.
func (d *Downloader[T]) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.waiters)
}

func (d *Downloader[T]) join(key string) {
	d.mu.Lock()
	d.waiters[key]++
	d.mu.Unlock()
}

func (d *Downloader[T]) leave(key string) {
	d.mu.Lock()
	if d.waiters[key]--; d.waiters[key] <= 0 {
		delete(d.waiters, key)
	}
	d.mu.Unlock()
}
