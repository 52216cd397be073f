package cache

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/aptg"
	"github.com/wolfeidau/aptg/backend"
	"github.com/wolfeidau/aptg/repo"
	"github.com/wolfeidau/aptg/store"
	"github.com/wolfeidau/aptg/store/metadb"
	"github.com/wolfeidau/aptg/verify"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	db    *metadb.BoltDB
	blobs *store.CAFS
	clock *testClock
	cache *Manager
	dir   string
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	dir := t.TempDir()
	clock := &testClock{now: time.Date(2024, 2, 10, 12, 0, 0, 0, time.UTC)}

	db := metadb.NewBoltDB(metadb.WithNoSync(true), metadb.WithNow(clock.Now))
	require.NoError(t, db.Open(filepath.Join(dir, "meta.db")))
	t.Cleanup(func() { _ = db.Close() })

	fs, err := backend.NewFilesystem(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	blobs := store.NewCAFS(fs, store.WithTempDir(dir))

	opts = append([]Option{WithNow(clock.Now)}, opts...)
	return &testEnv{
		db:    db,
		blobs: blobs,
		clock: clock,
		cache: New(db, blobs, opts...),
		dir:   dir,
	}
}

func mustPath(t *testing.T, raw string) repo.Path {
	t.Helper()
	p, err := repo.ParsePath(raw)
	require.NoError(t, err)
	return p
}

func (e *testEnv) store(t *testing.T, raw, body string) *Entry {
	t.Helper()
	entry, err := e.cache.Store(context.Background(), mustPath(t, raw), strings.NewReader(body), Meta{
		Digest: aptg.DigestBytes([]byte(body)),
		ETag:   `"` + body + `"`,
	}, verify.Verified{KeyID: "K1"})
	require.NoError(t, err)
	return entry
}

func (e *testEnv) read(t *testing.T, entry *Entry) string {
	t.Helper()
	rc, err := e.cache.Open(context.Background(), entry)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestStoreAndLookup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	stored := env.store(t, "dists/bookworm/InRelease", "release body")
	assert.Equal(t, repo.TTLMetadataShort, stored.TTLClass)
	assert.Equal(t, env.clock.Now().Add(6*time.Hour), stored.ExpiresAt)
	assert.Equal(t, "K1", stored.Verification.KeyID)

	got, err := env.cache.Lookup(ctx, "dists/bookworm/InRelease")
	require.NoError(t, err)
	assert.Equal(t, stored.Blob, got.Blob)
	assert.Equal(t, aptg.DigestBytes([]byte("release body")), got.Digest)
	assert.Equal(t, int64(len("release body")), got.Size)
	assert.Equal(t, `"release body"`, got.ETag)
	assert.Equal(t, "release body", env.read(t, got))
}

func TestLookupMissing(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.cache.Lookup(context.Background(), "dists/bookworm/InRelease")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreRejectsUnverified(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	results := []verify.Result{
		verify.SignatureInvalid{KeyID: "K1", Reason: "bad"},
		verify.NoKeyFound{KeyID: "K9"},
		verify.HashMismatch{},
		verify.Unverifiable{Reason: "not listed"},
	}
	for _, res := range results {
		_, err := env.cache.Store(ctx, mustPath(t, "pool/main/h/hello/hello_1_amd64.deb"),
			strings.NewReader("deb"), Meta{}, res)
		require.ErrorIs(t, err, ErrUnverified, "%s", res)
	}

	_, err := env.cache.Lookup(ctx, "pool/main/h/hello/hello_1_amd64.deb")
	require.ErrorIs(t, err, ErrNotFound)
	stats, err := env.cache.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Blobs)
}

func TestExpiryByClass(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.store(t, "dists/bookworm/InRelease", "meta")
	env.store(t, "dists/bookworm/main/binary-amd64/Packages.gz", "index")
	env.store(t, "pool/main/h/hello/hello_1_amd64.deb", "deb")

	env.clock.Advance(6 * time.Hour)
	_, err := env.cache.Lookup(ctx, "dists/bookworm/InRelease")
	require.ErrorIs(t, err, ErrExpired)
	require.ErrorIs(t, err, ErrNotFound)

	// Stale entries stay reachable for revalidation.
	stale, err := env.cache.Peek(ctx, "dists/bookworm/InRelease")
	require.NoError(t, err)
	assert.Equal(t, `"meta"`, stale.ETag)

	_, err = env.cache.Lookup(ctx, "dists/bookworm/main/binary-amd64/Packages.gz")
	require.NoError(t, err)

	env.clock.Advance(6 * time.Hour)
	_, err = env.cache.Lookup(ctx, "dists/bookworm/main/binary-amd64/Packages.gz")
	require.ErrorIs(t, err, ErrExpired)

	env.clock.Advance(2 * 365 * 24 * time.Hour)
	deb, err := env.cache.Lookup(ctx, "pool/main/h/hello/hello_1_amd64.deb")
	require.NoError(t, err)
	assert.True(t, deb.ExpiresAt.IsZero())
}

func TestTTLPolicyOverride(t *testing.T) {
	env := newTestEnv(t, WithTTLPolicy(repo.TTLPolicy{MetadataShort: time.Minute}))
	entry := env.store(t, "dists/bookworm/InRelease", "meta")
	assert.Equal(t, env.clock.Now().Add(time.Minute), entry.ExpiresAt)

	env.cache.SetTTLPolicy(repo.TTLPolicy{MetadataShort: time.Hour})
	entry = env.store(t, "dists/bookworm/InRelease", "meta2")
	assert.Equal(t, env.clock.Now().Add(time.Hour), entry.ExpiresAt)
}

func TestRefresh(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.store(t, "dists/bookworm/InRelease", "meta")
	env.clock.Advance(7 * time.Hour)
	_, err := env.cache.Lookup(ctx, "dists/bookworm/InRelease")
	require.ErrorIs(t, err, ErrExpired)

	refreshed, err := env.cache.Refresh(ctx, "dists/bookworm/InRelease", env.clock.Now(), `"meta-2"`, "")
	require.NoError(t, err)
	assert.Equal(t, env.clock.Now(), refreshed.FetchedAt)
	assert.Equal(t, `"meta-2"`, refreshed.ETag)

	got, err := env.cache.Lookup(ctx, "dists/bookworm/InRelease")
	require.NoError(t, err)
	assert.Equal(t, `"meta-2"`, got.ETag)
	assert.Equal(t, "meta", env.read(t, got))

	_, err = env.cache.Refresh(ctx, "dists/trixie/InRelease", env.clock.Now(), "", "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSupersessionReleasesOldBlob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.store(t, "dists/bookworm/InRelease", "version one")
	second := env.store(t, "dists/bookworm/InRelease", "version two")
	require.NotEqual(t, first.Blob, second.Blob)

	got, err := env.cache.Lookup(ctx, "dists/bookworm/InRelease")
	require.NoError(t, err)
	assert.Equal(t, "version two", env.read(t, got))

	ok, err := env.blobs.Has(ctx, first.Blob.Hash)
	require.NoError(t, err)
	assert.False(t, ok, "superseded blob should be deleted")

	stats, err := env.cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Entries)
	assert.Equal(t, int64(1), stats.Blobs)
}

func TestSharedBlobSurvivesOneInvalidate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.store(t, "dists/bookworm/main/binary-amd64/Packages.gz", "same bytes")
	b := env.store(t, "dists/bookworm/main/binary-amd64/by-hash/SHA256/"+aptg.DigestBytes([]byte("same bytes")).String(), "same bytes")
	require.Equal(t, a.Blob, b.Blob)

	require.NoError(t, env.cache.Invalidate(ctx, a.Key))
	_, err := env.cache.Lookup(ctx, a.Key)
	require.ErrorIs(t, err, ErrNotFound)

	got, err := env.cache.Lookup(ctx, b.Key)
	require.NoError(t, err)
	assert.Equal(t, "same bytes", env.read(t, got))

	require.NoError(t, env.cache.Invalidate(ctx, b.Key))
	ok, err := env.blobs.Has(ctx, b.Blob.Hash)
	require.NoError(t, err)
	assert.False(t, ok)

	// Invalidating a missing entry is not an error.
	require.NoError(t, env.cache.Invalidate(ctx, b.Key))
}

func TestStoreWithKnownHash(t *testing.T) {
	env := newTestEnv(t)
	body := "pre-hashed"
	entry, err := env.cache.Store(context.Background(), mustPath(t, "pool/main/h/hello/hello_1_amd64.deb"),
		strings.NewReader(body), Meta{
			Digest: aptg.DigestBytes([]byte(body)),
			Hash:   aptg.HashBytes([]byte(body)),
		}, verify.Verified{KeyID: "K1"})
	require.NoError(t, err)
	assert.Equal(t, aptg.HashBytes([]byte(body)), entry.Blob.Hash)
	assert.Equal(t, "application/vnd.debian.binary-package", entry.ContentType)

	_, err = env.cache.Store(context.Background(), mustPath(t, "pool/main/h/hello/hello_2_amd64.deb"),
		strings.NewReader("other bytes"), Meta{Hash: aptg.HashBytes([]byte("claimed"))}, verify.Verified{})
	require.ErrorIs(t, err, store.ErrHashMismatch)
}

func TestRestartKeepsEntries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.store(t, "pool/main/h/hello/hello_1_amd64.deb", "deb body")

	// A second manager over the same index and blobs sees the entry.
	reopened := New(env.db, env.blobs, WithNow(env.clock.Now))
	got, err := reopened.Lookup(ctx, "pool/main/h/hello/hello_1_amd64.deb")
	require.NoError(t, err)
	assert.Equal(t, "K1", got.Verification.KeyID)
}

func TestPeekIgnoresUnverifiedRecord(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.db.SwapEntry(ctx, &metadb.EntryRecord{
		Key:      "pool/main/h/hello/hello_1_amd64.deb",
		Blob:     aptg.NewBlobRef(aptg.HashBytes([]byte("x"))).String(),
		Digest:   aptg.DigestBytes([]byte("x")).String(),
		Size:     1,
		TTLClass: string(repo.TTLImmutableLong),
		Verified: false,
	})
	require.NoError(t, err)

	_, err = env.cache.Peek(ctx, "pool/main/h/hello/hello_1_amd64.deb")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTouchesFlushed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.store(t, "pool/main/h/hello/hello_1_amd64.deb", "deb")

	env.clock.Advance(time.Hour)
	_, err := env.cache.Lookup(ctx, "pool/main/h/hello/hello_1_amd64.deb")
	require.NoError(t, err)
	require.NoError(t, env.cache.FlushTouches(ctx))

	rec, err := env.db.GetEntry(ctx, "pool/main/h/hello/hello_1_amd64.deb")
	require.NoError(t, err)
	assert.Equal(t, env.clock.Now(), rec.LastAccess.UTC())
}

func TestConcurrentStoreSamePath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body := strings.Repeat("x", i+1)
			_, err := env.cache.Store(ctx, mustPath(t, "dists/bookworm/InRelease"), strings.NewReader(body),
				Meta{Digest: aptg.DigestBytes([]byte(body))}, verify.Verified{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := env.cache.Lookup(ctx, "dists/bookworm/InRelease")
	require.NoError(t, err)
	assert.Equal(t, got.Digest, aptg.DigestBytes([]byte(env.read(t, got))))

	stats, err := env.cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Entries)
	assert.Equal(t, int64(1), stats.Blobs)
}
