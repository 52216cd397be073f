package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/aptg"
	"github.com/wolfeidau/aptg/cache"
	"github.com/wolfeidau/aptg/repo"
	"github.com/wolfeidau/aptg/telemetry"
	"github.com/wolfeidau/aptg/upstream"
	"github.com/wolfeidau/aptg/verify"
)

// fill is the shared result of one single-flight fill. A Release fill
// produces both Release and Release.gpg.
type fill struct {
	artifacts map[string]*artifact
}

func single(key string, a *artifact) *fill {
	return &fill{artifacts: map[string]*artifact{key: a}}
}

// artifact is verified content: a cache entry, or a spool when the cache
// write failed.
type artifact struct {
	entry        *cache.Entry
	spool        *spool
	verification verify.Result
	cacheResult  telemetry.CacheResult
}

func (a *artifact) open(ctx context.Context, c *cache.Manager) (io.ReadCloser, error) {
	if a.entry != nil {
		return c.Open(ctx, a.entry)
	}
	return a.spool.reader(), nil
}

// spool holds verified content that could not be cached. The file is
// already unlinked; every waiter reads it through its own section reader
// and the descriptor is released by the os.File finalizer.
type spool struct {
	f         *os.File
	size      int64
	digest    aptg.Digest
	fetchedAt time.Time
}

func (s *spool) reader() io.ReadCloser {
	return sectionBody{io.NewSectionReader(s.f, 0, s.size)}
}

type sectionBody struct {
	*io.SectionReader
}

func (sectionBody) Close() error { return nil }

func releaseKey(suite string) string   { return "dists/" + suite + "/Release" }
func signatureKey(suite string) string { return "dists/" + suite + "/Release.gpg" }
func inReleaseKey(suite string) string { return "dists/" + suite + "/InRelease" }

// flightKey coalesces Release and Release.gpg into one fill since each is
// only trusted together with the other.
func flightKey(p repo.Path) string {
	if p.Kind == repo.KindMetadataIndex && !p.IsInlineSigned() {
		return releaseKey(p.Suite) + "+gpg"
	}
	return p.Raw
}

func (o *Orchestrator) fill(ctx context.Context, p repo.Path) (*fill, error) {
	switch {
	case p.IsInlineSigned():
		return o.fillInRelease(ctx, p.Suite)
	case p.Kind == repo.KindMetadataIndex:
		return o.fillReleasePair(ctx, p.Suite)
	case p.Kind == repo.KindPackageIndex, p.Kind == repo.KindPackageFile:
		return o.fillContent(ctx, p)
	default:
		res := verify.Unverifiable{Reason: "path is not covered by a signed release"}
		telemetry.RecordVerification(ctx, string(p.Kind), string(res.Outcome()))
		return nil, &VerificationError{Path: p.Raw, Result: res}
	}
}

func (o *Orchestrator) fillInRelease(ctx context.Context, suite string) (*fill, error) {
	key := inReleaseKey(suite)
	p, err := repo.ParsePath(key)
	if err != nil {
		return nil, err
	}

	stale := o.peek(ctx, key)
	var cond upstream.Conditional
	if stale != nil {
		cond = upstream.Conditional{ETag: stale.ETag, LastModified: stale.LastModified}
	}

	resp, err := o.upstream.Fetch(ctx, key, cond)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Close() }()
	fetchedAt := o.now()

	// An unchanged InRelease is re-verified from the cache so an expired
	// Valid-Until or a removed key still takes effect.
	var raw []byte
	if resp.NotModified {
		raw, err = o.readEntry(ctx, stale)
	} else {
		raw, err = resp.Bytes()
	}
	if err != nil {
		return nil, &StorageError{Op: "read", Err: err}
	}

	res, signed := verify.VerifyMetadata(raw, nil, o.keyring)
	telemetry.RecordVerification(ctx, string(repo.KindMetadataIndex), string(res.Outcome()))
	if !res.Trusted() {
		o.distrust(ctx, suite, key)
		return nil, &VerificationError{Path: key, Result: res}
	}
	if _, err := o.registry.RegisterRelease(ctx, suite, signed, res.(verify.Verified).KeyID); err != nil {
		o.distrust(ctx, suite, key)
		return nil, fmt.Errorf("%s: %w", key, err)
	}

	if resp.NotModified {
		return single(key, o.refresh(ctx, stale, fetchedAt, resp, res)), nil
	}
	a, err := o.store(ctx, p, resp, res)
	if err != nil {
		return nil, err
	}
	return single(key, a), nil
}

func (o *Orchestrator) fillReleasePair(ctx context.Context, suite string) (*fill, error) {
	relKey, sigKey := releaseKey(suite), signatureKey(suite)
	relPath, err := repo.ParsePath(relKey)
	if err != nil {
		return nil, err
	}
	sigPath, err := repo.ParsePath(sigKey)
	if err != nil {
		return nil, err
	}

	var rel, sig *upstream.Response
	defer func() {
		_ = rel.Close()
		_ = sig.Close()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rel, err = o.upstream.Fetch(gctx, relKey, upstream.Conditional{})
		return err
	})
	g.Go(func() error {
		var err error
		sig, err = o.upstream.Fetch(gctx, sigKey, upstream.Conditional{})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	relRaw, err := rel.Bytes()
	if err != nil {
		return nil, &StorageError{Op: "read", Err: err}
	}
	sigRaw, err := sig.Bytes()
	if err != nil {
		return nil, &StorageError{Op: "read", Err: err}
	}

	res, signed := verify.VerifyMetadata(relRaw, sigRaw, o.keyring)
	telemetry.RecordVerification(ctx, string(repo.KindMetadataIndex), string(res.Outcome()))
	if !res.Trusted() {
		o.distrust(ctx, suite, relKey, sigKey)
		return nil, &VerificationError{Path: relKey, Result: res}
	}
	if _, err := o.registry.RegisterRelease(ctx, suite, signed, res.(verify.Verified).KeyID); err != nil {
		o.distrust(ctx, suite, relKey, sigKey)
		return nil, fmt.Errorf("%s: %w", relKey, err)
	}

	relArt, err := o.store(ctx, relPath, rel, res)
	if err != nil {
		return nil, err
	}
	sigArt, err := o.store(ctx, sigPath, sig, res)
	if err != nil {
		return nil, err
	}
	return &fill{artifacts: map[string]*artifact{relKey: relArt, sigKey: sigArt}}, nil
}

func (o *Orchestrator) fillContent(ctx context.Context, p repo.Path) (*fill, error) {
	exp, ok, err := o.expect(ctx, p)
	if err != nil {
		return nil, err
	}
	if !ok {
		res := verify.Unverifiable{Reason: "not listed in any verified release or index"}
		telemetry.RecordVerification(ctx, string(p.Kind), string(res.Outcome()))
		o.invalidate(ctx, p.Raw)
		return nil, &VerificationError{Path: p.Raw, Result: res}
	}

	// A stale entry is only revalidated if it still matches what the
	// current release vouches for.
	var cond upstream.Conditional
	stale := o.peek(ctx, p.Raw)
	if stale != nil && stale.Digest == exp.SHA256 {
		cond = upstream.Conditional{ETag: stale.ETag, LastModified: stale.LastModified}
	}

	resp, err := o.upstream.Fetch(ctx, p.Raw, cond)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Close() }()

	if resp.NotModified {
		res := verify.Verified{KeyID: exp.KeyID}
		telemetry.RecordVerification(ctx, string(p.Kind), string(res.Outcome()))
		return single(p.Raw, o.refresh(ctx, stale, o.now(), resp, res)), nil
	}

	res := verify.Check(exp, resp.Digest, resp.Size)
	telemetry.RecordVerification(ctx, string(p.Kind), string(res.Outcome()))
	if !res.Trusted() {
		o.invalidate(ctx, p.Raw)
		return nil, &VerificationError{Path: p.Raw, Result: res}
	}

	a, err := o.store(ctx, p, resp, res)
	if err != nil {
		return nil, err
	}
	if canon, ok := o.indexName(ctx, p); ok {
		o.registerIndex(ctx, canon, exp.KeyID, a)
	}
	return single(p.Raw, a), nil
}

// expect resolves the expected digest for p, bootstrapping the suite's
// release when no trusted release is known yet.
func (o *Orchestrator) expect(ctx context.Context, p repo.Path) (verify.Expectation, bool, error) {
	exp, ok, err := o.registry.Expect(ctx, p)
	if err != nil {
		return exp, false, &StorageError{Op: "expect", Err: err}
	}
	if ok || p.Kind != repo.KindPackageIndex {
		return exp, ok, nil
	}

	tr, err := o.registry.Release(ctx, p.Suite)
	if err != nil {
		return exp, false, &StorageError{Op: "registry", Err: err}
	}
	if tr != nil {
		return exp, false, nil
	}
	if err := o.bootstrap(ctx, p.Suite); err != nil {
		return exp, false, err
	}

	exp, ok, err = o.registry.Expect(ctx, p)
	if err != nil {
		return exp, false, &StorageError{Op: "expect", Err: err}
	}
	return exp, ok, nil
}

// bootstrap establishes a trusted release for suite through the same
// single-flight fills a client request for it would use. InRelease is
// preferred; Release with Release.gpg is the fallback.
func (o *Orchestrator) bootstrap(ctx context.Context, suite string) error {
	o.logger.Info("bootstrapping release", "suite", suite)

	_, _, err := o.flights.Do(ctx, inReleaseKey(suite), func(ctx context.Context) (*fill, error) {
		return o.fillInRelease(ctx, suite)
	})
	if err == nil || !upstream.IsKind(err, upstream.KindNotFound) {
		return err
	}

	o.logger.Info("no InRelease, falling back to Release and Release.gpg", "suite", suite)
	_, _, err = o.flights.Do(ctx, releaseKey(suite)+"+gpg", func(ctx context.Context) (*fill, error) {
		return o.fillReleasePair(ctx, suite)
	})
	return err
}

// distrust drops the suite's trusted release after its metadata failed
// verification or registration, along with the cached metadata keys.
// Anything resolved through the old release becomes unverifiable until a
// valid one is fetched.
func (o *Orchestrator) distrust(ctx context.Context, suite string, keys ...string) {
	for _, key := range keys {
		o.invalidate(ctx, key)
	}
	if err := o.registry.ForgetRelease(ctx, suite); err != nil {
		o.logger.Error("failed to forget release", "suite", suite, "error", err)
		return
	}
	o.logger.Warn("release no longer trusted", "suite", suite)
}

// indexName returns the canonical Packages or Sources path for p, resolving
// by-hash paths through the suite's release.
func (o *Orchestrator) indexName(ctx context.Context, p repo.Path) (repo.Path, bool) {
	if p.IsIndex() {
		return p, true
	}
	if p.ByHash == "" {
		return repo.Path{}, false
	}
	tr, err := o.registry.Release(ctx, p.Suite)
	if err != nil || tr == nil {
		return repo.Path{}, false
	}
	d, err := aptg.ParseDigest(p.ByHash)
	if err != nil {
		return repo.Path{}, false
	}
	fh, ok := tr.LookupByHash(d)
	if !ok {
		return repo.Path{}, false
	}
	canon, err := repo.ParsePath("dists/" + p.Suite + "/" + fh.Path)
	if err != nil || !canon.IsIndex() {
		return repo.Path{}, false
	}
	return canon, true
}

// registerIndex feeds a verified index into the pool index. A failure
// leaves pool files from this index unverifiable; it does not fail the
// request for the index itself.
func (o *Orchestrator) registerIndex(ctx context.Context, canon repo.Path, keyID string, a *artifact) {
	body, err := a.open(ctx, o.cache)
	if err != nil {
		o.logger.Error("failed to open index", "index", canon.Raw, "error", err)
		return
	}
	defer func() { _ = body.Close() }()

	rc, err := repo.Decompress(body, repo.CompressionFromName(canon.File))
	if err != nil {
		o.logger.Error("failed to decompress index", "index", canon.Raw, "error", err)
		return
	}
	defer func() { _ = rc.Close() }()

	n, err := o.registry.RegisterIndex(ctx, canon.Suite, canon.Raw, keyID, rc)
	if err != nil {
		o.logger.Error("failed to register index", "index", canon.Raw, "registered", n, "error", err)
		return
	}
	o.logger.Info("index registered", "index", canon.Raw, "files", n)
}

// store caches verified content. When the cache write fails the content is
// kept in its spool so this fill can still be served.
func (o *Orchestrator) store(ctx context.Context, p repo.Path, resp *upstream.Response, res verify.Result) (*artifact, error) {
	body, err := resp.Open()
	if err == nil {
		var entry *cache.Entry
		entry, err = o.cache.Store(ctx, p, body, cache.Meta{
			Digest:       resp.Digest,
			Hash:         resp.Hash,
			Size:         resp.Size,
			ETag:         resp.ETag,
			LastModified: resp.LastModified,
			FetchedAt:    o.now(),
		}, res)
		_ = body.Close()
		if err == nil {
			return &artifact{entry: entry, verification: res, cacheResult: telemetry.CacheMiss}, nil
		}
	}

	o.logger.Error("cache write failed, serving from spool", "path", p.Raw, "error", err)
	f, serr := resp.Detach()
	if serr != nil {
		return nil, &StorageError{Op: "write", Err: errors.Join(err, serr)}
	}
	return &artifact{
		spool: &spool{
			f:         f,
			size:      resp.Size,
			digest:    resp.Digest,
			fetchedAt: o.now(),
		},
		verification: res,
		cacheResult:  telemetry.CacheBypass,
	}, nil
}

// refresh re-stamps a stale entry upstream reported unchanged. If that
// fails the stale entry is still served; it is verified content.
func (o *Orchestrator) refresh(ctx context.Context, stale *cache.Entry, fetchedAt time.Time, resp *upstream.Response, res verify.Result) *artifact {
	entry, err := o.cache.Refresh(ctx, stale.Key, fetchedAt, resp.ETag, resp.LastModified)
	if err != nil {
		o.logger.Warn("failed to refresh entry", "key", stale.Key, "error", err)
		entry = stale
	}
	return &artifact{entry: entry, verification: res, cacheResult: telemetry.CacheRevalidated}
}

func (o *Orchestrator) peek(ctx context.Context, key string) *cache.Entry {
	e, err := o.cache.Peek(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			o.logger.Warn("failed to read stale entry", "key", key, "error", err)
		}
		return nil
	}
	return e
}

func (o *Orchestrator) readEntry(ctx context.Context, e *cache.Entry) ([]byte, error) {
	rc, err := o.cache.Open(ctx, e)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}
