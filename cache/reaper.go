package cache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/aptg/telemetry"
)

// ReaperConfig holds eviction configuration.
type ReaperConfig struct {
	// Grace is how long an expired entry is kept for conditional
	// revalidation before the reaper deletes it. Zero deletes expired
	// entries on the next cycle.
	Grace time.Duration

	// MaxSize is the total blob size in bytes above which least recently
	// accessed entries are evicted. Zero means no limit.
	MaxSize int64

	// Interval is how often the reaper runs. Default is 1 hour.
	Interval time.Duration

	// BatchSize bounds the expired entries and orphaned blobs handled per
	// cycle. Default is 1000.
	BatchSize int
}

// DefaultReaperConfig returns a configuration with a 7 day grace period,
// a 50 GiB limit and an hourly interval.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		Grace:     7 * 24 * time.Hour,
		MaxSize:   50 << 30,
		Interval:  time.Hour,
		BatchSize: 1000,
	}
}

// ReapResult contains the results of one reaper cycle.
type ReapResult struct {
	Expired    int
	Evicted    int
	Orphans    int
	BytesFreed int64
	Errors     int
	Duration   time.Duration
}

// Reaper evicts long-expired entries, enforces the size limit and sweeps
// blobs left unreferenced by failed deletes.
type Reaper struct {
	cache  *Manager
	config ReaperConfig
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewReaper creates a reaper for m.
func NewReaper(m *Manager, cfg ReaperConfig) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	return &Reaper{
		cache:  m,
		config: cfg,
		logger: m.logger.With("subsystem", "reaper"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins background reaping. Calling Start more than once, or after
// Stop, does nothing.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running || r.stopped {
		return
	}
	r.running = true
	go r.run(ctx)
}

// Stop stops background reaping and waits for a running cycle to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running || r.stopped {
		r.stopped = true
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
}

func (r *Reaper) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single cycle: expired entries past the grace period,
// then capacity eviction, then orphaned blobs.
func (r *Reaper) RunOnce(ctx context.Context) *ReapResult {
	start := r.cache.now()
	result := &ReapResult{}

	if err := r.cache.FlushTouches(ctx); err != nil {
		r.logger.Warn("failed to flush access times", "error", err)
		result.Errors++
	}

	phase := r.cache.now()
	r.reapExpired(ctx, result)
	telemetry.RecordReaperCycle(ctx, "expired", result.Expired, r.cache.now().Sub(phase))

	if r.config.MaxSize > 0 {
		phase = r.cache.now()
		r.evictForCapacity(ctx, result)
		telemetry.RecordReaperCycle(ctx, "capacity", result.Evicted, r.cache.now().Sub(phase))
	}

	phase = r.cache.now()
	r.sweepOrphans(ctx, result)
	telemetry.RecordReaperCycle(ctx, "orphans", result.Orphans, r.cache.now().Sub(phase))

	result.Duration = r.cache.now().Sub(start)
	if result.Expired+result.Evicted+result.Orphans > 0 || result.Errors > 0 {
		r.logger.Info("reaper cycle complete",
			"expired", result.Expired,
			"evicted", result.Evicted,
			"orphans", result.Orphans,
			"bytes_freed", result.BytesFreed,
			"errors", result.Errors,
			"duration", result.Duration)
	}
	return result
}

func (r *Reaper) reapExpired(ctx context.Context, result *ReapResult) {
	cutoff := r.cache.now().Add(-r.config.Grace)
	expired, err := r.cache.index.GetExpiredEntries(ctx, cutoff, r.config.BatchSize)
	if err != nil {
		r.logger.Error("failed to list expired entries", "error", err)
		result.Errors++
		return
	}
	for _, ex := range expired {
		if ctx.Err() != nil {
			return
		}
		removed, size, err := r.cache.invalidateExpired(ctx, ex.Key, cutoff)
		if err != nil {
			r.logger.Warn("failed to delete expired entry", "key", ex.Key, "error", err)
			result.Errors++
			continue
		}
		if !removed {
			r.logger.Debug("expired entry renewed before reaping", "key", ex.Key)
			continue
		}
		result.Expired++
		result.BytesFreed += size
	}
}

func (r *Reaper) evictForCapacity(ctx context.Context, result *ReapResult) {
	stats, err := r.cache.index.Stats(ctx)
	if err != nil {
		r.logger.Error("failed to read cache size", "error", err)
		result.Errors++
		return
	}
	total := stats.BlobBytes
	if total <= r.config.MaxSize {
		return
	}

	entries, err := r.cache.index.ListEntries(ctx)
	if err != nil {
		r.logger.Error("failed to list entries", "error", err)
		result.Errors++
		return
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].LastAccess.Before(entries[j].LastAccess)
	})

	r.logger.Info("cache over capacity",
		"size", total,
		"max_size", r.config.MaxSize,
		"entries", len(entries))

	for _, rec := range entries {
		if total <= r.config.MaxSize || ctx.Err() != nil {
			return
		}
		if err := r.cache.Invalidate(ctx, rec.Key); err != nil {
			r.logger.Warn("failed to evict entry", "key", rec.Key, "error", err)
			result.Errors++
			continue
		}
		// Shared blobs are only freed with their last entry, so this can
		// undercount what is still on disk. The next cycle catches up.
		total -= rec.Size
		result.Evicted++
		result.BytesFreed += rec.Size
	}
}

func (r *Reaper) sweepOrphans(ctx context.Context, result *ReapResult) {
	refs, err := r.cache.index.GetUnreferencedBlobs(ctx, r.config.BatchSize)
	if err != nil {
		r.logger.Error("failed to list unreferenced blobs", "error", err)
		result.Errors++
		return
	}
	result.Orphans += r.cache.releaseOrphans(ctx, refs)
}
