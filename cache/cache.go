// Package cache keeps verified repository content: an entry index in bbolt
// pointing at content-addressed blobs, with per-class TTL freshness and
// atomic supersession.
package cache

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/aptg"
	"github.com/wolfeidau/aptg/repo"
	"github.com/wolfeidau/aptg/store"
	"github.com/wolfeidau/aptg/store/metadb"
	"github.com/wolfeidau/aptg/telemetry"
	"github.com/wolfeidau/aptg/verify"
)

var (
	// ErrNotFound is returned when no entry exists for a path.
	ErrNotFound = errors.New("cache: entry not found")
	// ErrExpired is returned by Lookup for an entry past its TTL. It matches
	// ErrNotFound; the stale entry stays available through Peek.
	ErrExpired = fmt.Errorf("%w: expired", ErrNotFound)
	// ErrUnverified is returned when asked to store content that did not
	// verify.
	ErrUnverified = errors.New("cache: refusing to store unverified content")
)

const lockStripes = 64

// Index is the subset of metadb the manager uses.
type Index interface {
	GetEntry(ctx context.Context, key string) (*metadb.EntryRecord, error)
	SwapEntry(ctx context.Context, rec *metadb.EntryRecord) ([]string, error)
	RefreshEntry(ctx context.Context, key string, fetchedAt, expiresAt time.Time, etag, lastModified string) error
	DeleteEntry(ctx context.Context, key string) ([]string, error)
	TouchEntries(ctx context.Context, touches map[string]time.Time) error
	ListEntries(ctx context.Context) ([]metadb.EntryRecord, error)
	GetExpiredEntries(ctx context.Context, before time.Time, limit int) ([]metadb.ExpiredEntry, error)
	ReleaseBlob(ctx context.Context, ref string) (bool, error)
	GetUnreferencedBlobs(ctx context.Context, limit int) ([]string, error)
	Stats(ctx context.Context) (*metadb.Stats, error)
}

// Manager owns cache entries and their blobs.
type Manager struct {
	index  Index
	blobs  store.Store
	now    func() time.Time
	logger *slog.Logger

	ttlMu sync.RWMutex
	ttl   repo.TTLPolicy

	// keyLocks serialise writers of one path.
	keyLocks [lockStripes]sync.Mutex
	// blobMu is held shared from a blob write until SwapEntry references it,
	// and exclusively while orphaned blobs are deleted.
	blobMu sync.RWMutex

	touchMu sync.Mutex
	touches map[string]time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithTTLPolicy overrides the default TTL durations.
func WithTTLPolicy(p repo.TTLPolicy) Option {
	return func(m *Manager) {
		m.ttl = p
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a manager over an entry index and blob store.
func New(index Index, blobs store.Store, opts ...Option) *Manager {
	m := &Manager{
		index:   index,
		blobs:   blobs,
		ttl:     repo.DefaultTTLPolicy(),
		now:     time.Now,
		logger:  slog.Default(),
		touches: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "cache")
	return m
}

// SetTTLPolicy replaces the TTL durations used for entries stored from now on.
func (m *Manager) SetTTLPolicy(p repo.TTLPolicy) {
	m.ttlMu.Lock()
	m.ttl = p
	m.ttlMu.Unlock()
}

func (m *Manager) ttlPolicy() repo.TTLPolicy {
	m.ttlMu.RLock()
	defer m.ttlMu.RUnlock()
	return m.ttl
}

func (m *Manager) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.keyLocks[h.Sum32()%lockStripes]
}

// Lookup returns the live entry for key. An expired entry yields ErrExpired.
func (m *Manager) Lookup(ctx context.Context, key string) (*Entry, error) {
	e, err := m.Peek(ctx, key)
	if err != nil {
		return nil, err
	}
	if e.Expired(m.now()) {
		return nil, ErrExpired
	}
	m.touch(key)
	return e, nil
}

// Peek returns the entry for key whether or not it has expired. It is used
// to revalidate a stale entry with its ETag and Last-Modified.
func (m *Manager) Peek(ctx context.Context, key string) (*Entry, error) {
	rec, err := m.index.GetEntry(ctx, key)
	if errors.Is(err, metadb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading entry %s: %w", key, err)
	}
	if !rec.Verified {
		m.logger.Warn("ignoring unverified entry", "key", key)
		return nil, ErrNotFound
	}
	e, err := entryFromRecord(rec)
	if err != nil {
		return nil, fmt.Errorf("decoding entry %s: %w", key, err)
	}
	return e, nil
}

// Store writes verified content for p and makes it the live entry,
// superseding any previous one. The blob is written before the index is
// updated, so a crash in between leaves an unreferenced blob and never an
// entry without content.
func (m *Manager) Store(ctx context.Context, p repo.Path, content io.Reader, meta Meta, res verify.Result) (*Entry, error) {
	v, ok := res.(verify.Verified)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnverified, res)
	}

	e, orphans, err := m.store(ctx, p, content, meta, v)
	if err != nil {
		return nil, err
	}
	m.releaseOrphans(ctx, orphans)
	return e, nil
}

func (m *Manager) store(ctx context.Context, p repo.Path, content io.Reader, meta Meta, v verify.Verified) (*Entry, []string, error) {
	m.blobMu.RLock()
	defer m.blobMu.RUnlock()

	var (
		put *store.PutResult
		err error
	)
	if meta.Hash.IsZero() {
		put, err = m.blobs.Put(ctx, content)
	} else {
		put, err = m.blobs.PutHashed(ctx, meta.Hash, content)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("writing blob for %s: %w", p.Raw, err)
	}
	telemetry.RecordBlobWrite(ctx, string(p.Kind), put.Size, !put.Exists)

	fetchedAt := meta.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = m.now()
	}
	fetchedAt = fetchedAt.UTC()
	class := p.TTLClass()
	e := &Entry{
		Key:          p.Raw,
		Blob:         aptg.NewBlobRef(put.Hash),
		Digest:       meta.Digest,
		Size:         put.Size,
		ContentType:  meta.ContentType,
		FetchedAt:    fetchedAt,
		ExpiresAt:    m.ttlPolicy().ExpiresAt(class, fetchedAt),
		TTLClass:     class,
		Verification: v,
		ETag:         meta.ETag,
		LastModified: meta.LastModified,
		LastAccess:   fetchedAt,
	}
	if e.ContentType == "" {
		e.ContentType = repo.ContentType(p)
	}

	lock := m.lockFor(p.Raw)
	lock.Lock()
	orphans, err := m.index.SwapEntry(ctx, e.record())
	lock.Unlock()
	if err != nil {
		return nil, nil, fmt.Errorf("indexing entry %s: %w", p.Raw, err)
	}

	m.logger.Debug("stored entry",
		"key", p.Raw,
		"size", e.Size,
		"ttl_class", class,
		"blob", put.Hash.ShortString())
	return e, orphans, nil
}

// Refresh re-stamps a stale entry after upstream answered 304 Not Modified.
func (m *Manager) Refresh(ctx context.Context, key string, fetchedAt time.Time, etag, lastModified string) (*Entry, error) {
	e, err := m.Peek(ctx, key)
	if err != nil {
		return nil, err
	}
	fetchedAt = fetchedAt.UTC()
	expiresAt := m.ttlPolicy().ExpiresAt(e.TTLClass, fetchedAt)

	lock := m.lockFor(key)
	lock.Lock()
	err = m.index.RefreshEntry(ctx, key, fetchedAt, expiresAt, etag, lastModified)
	lock.Unlock()
	if errors.Is(err, metadb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("refreshing entry %s: %w", key, err)
	}

	e.FetchedAt = fetchedAt
	e.ExpiresAt = expiresAt
	e.LastAccess = fetchedAt
	if etag != "" {
		e.ETag = etag
	}
	if lastModified != "" {
		e.LastModified = lastModified
	}
	return e, nil
}

// Invalidate removes the entry for key. Removing a missing entry is not an
// error.
func (m *Manager) Invalidate(ctx context.Context, key string) error {
	lock := m.lockFor(key)
	lock.Lock()
	orphans, err := m.index.DeleteEntry(ctx, key)
	lock.Unlock()
	if err != nil {
		return fmt.Errorf("invalidating %s: %w", key, err)
	}
	m.touchMu.Lock()
	delete(m.touches, key)
	m.touchMu.Unlock()

	m.logger.Debug("invalidated entry", "key", key)
	m.releaseOrphans(ctx, orphans)
	return nil
}

// invalidateExpired removes the entry for key only if, read under the key
// lock, it still expired at or before cutoff. An entry restored or refreshed
// since it was listed is kept. It reports whether the entry was removed and
// its size.
func (m *Manager) invalidateExpired(ctx context.Context, key string, cutoff time.Time) (bool, int64, error) {
	lock := m.lockFor(key)
	lock.Lock()
	rec, err := m.index.GetEntry(ctx, key)
	if errors.Is(err, metadb.ErrNotFound) {
		lock.Unlock()
		return false, 0, nil
	}
	if err != nil {
		lock.Unlock()
		return false, 0, fmt.Errorf("loading entry %s: %w", key, err)
	}
	if rec.ExpiresAt.IsZero() || rec.ExpiresAt.After(cutoff) {
		lock.Unlock()
		return false, 0, nil
	}
	orphans, err := m.index.DeleteEntry(ctx, key)
	lock.Unlock()
	if err != nil {
		return false, 0, fmt.Errorf("invalidating %s: %w", key, err)
	}
	m.touchMu.Lock()
	delete(m.touches, key)
	m.touchMu.Unlock()

	m.releaseOrphans(ctx, orphans)
	return true, rec.Size, nil
}

// Open streams the content of an entry.
func (m *Manager) Open(ctx context.Context, e *Entry) (io.ReadCloser, error) {
	rc, err := m.blobs.Get(ctx, e.Blob.Hash)
	if err != nil {
		return nil, fmt.Errorf("opening blob for %s: %w", e.Key, err)
	}
	return rc, nil
}

// releaseOrphans deletes blobs whose reference count dropped to zero. A
// failure leaves the blob record behind for the reaper's orphan sweep.
func (m *Manager) releaseOrphans(ctx context.Context, refs []string) int {
	if len(refs) == 0 {
		return 0
	}
	m.blobMu.Lock()
	defer m.blobMu.Unlock()

	freed := 0
	for _, ref := range refs {
		released, err := m.index.ReleaseBlob(ctx, ref)
		if err != nil {
			m.logger.Warn("failed to release blob", "blob", ref, "error", err)
			continue
		}
		if !released {
			continue
		}
		br, err := aptg.ParseBlobRef(ref)
		if err != nil {
			m.logger.Warn("invalid blob ref", "blob", ref, "error", err)
			continue
		}
		if err := m.blobs.Delete(ctx, br.Hash); err != nil {
			m.logger.Warn("failed to delete blob", "blob", ref, "error", err)
			continue
		}
		freed++
	}
	return freed
}

func (m *Manager) touch(key string) {
	m.touchMu.Lock()
	m.touches[key] = m.now().UTC()
	m.touchMu.Unlock()
}

// FlushTouches persists buffered last-access times. The reaper calls it
// before making LRU decisions.
func (m *Manager) FlushTouches(ctx context.Context) error {
	m.touchMu.Lock()
	batch := m.touches
	m.touches = make(map[string]time.Time)
	m.touchMu.Unlock()

	if err := m.index.TouchEntries(ctx, batch); err != nil {
		return fmt.Errorf("persisting access times: %w", err)
	}
	return nil
}

// Stats summarises the cache for the stats endpoint.
type Stats struct {
	Entries    int64            `json:"entries"`
	ByTTLClass map[string]int64 `json:"by_ttl_class"`
	Blobs      int64            `json:"blobs"`
	BlobBytes  int64            `json:"blob_bytes"`
	Releases   int64            `json:"releases"`
	PoolFiles  int64            `json:"pool_files"`
	IndexBytes int64            `json:"index_bytes"`
}

// Stats returns entry and blob counts.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	s, err := m.index.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading stats: %w", err)
	}
	return &Stats{
		Entries:    s.Entries,
		ByTTLClass: s.ByTTLClass,
		Blobs:      s.Blobs,
		BlobBytes:  s.BlobBytes,
		Releases:   s.Releases,
		PoolFiles:  s.PoolEntries,
		IndexBytes: s.DBFileSize,
	}, nil
}
