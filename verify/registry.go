package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/wolfeidau/aptg"
	"github.com/wolfeidau/aptg/repo"
	"github.com/wolfeidau/aptg/store/metadb"
)

// poolBatchSize bounds the number of pool records written per transaction.
const poolBatchSize = 1000

// Store is the subset of metadb the registry persists through.
type Store interface {
	PutRelease(ctx context.Context, suite string, doc []byte) error
	GetRelease(ctx context.Context, suite string) ([]byte, error)
	DeleteRelease(ctx context.Context, suite string) error
	PutPoolRecords(ctx context.Context, recs map[string]metadb.PoolRecord) error
	PrunePoolRecords(ctx context.Context, index, keep string) (int, error)
	GetPoolRecord(ctx context.Context, path string) (*metadb.PoolRecord, error)
}

// TrustedRelease is a verified Release with its signer.
type TrustedRelease struct {
	*repo.Release
	KeyID      string
	VerifiedAt time.Time
}

type storedRelease struct {
	KeyID      string    `json:"key_id"`
	Document   []byte    `json:"document"`
	VerifiedAt time.Time `json:"verified_at"`
}

// Registry maps repository paths to the hashes vouched for by verified
// documents. Releases are cached in memory and persisted to the Store so the
// chain of trust survives a restart.
type Registry struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	releases map[string]*TrustedRelease

	loads singleflight.Group
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithRegistryNow overrides the clock used for Valid-Until checks.
func WithRegistryNow(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates a registry persisting through store.
func NewRegistry(store Store, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:    store,
		logger:   slog.Default(),
		now:      time.Now,
		releases: make(map[string]*TrustedRelease),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry")
	return r
}

// RegisterRelease parses the signed text of a verified Release for suite and
// makes it the suite's trusted release. A document for another suite, one
// without a SHA256 table, or one past its Valid-Until is malformed.
func (r *Registry) RegisterRelease(ctx context.Context, suite string, plaintext []byte, keyID string) (*TrustedRelease, error) {
	rel, err := r.parse(suite, plaintext)
	if err != nil {
		return nil, err
	}
	tr := &TrustedRelease{Release: rel, KeyID: keyID, VerifiedAt: r.now().UTC()}

	data, err := json.Marshal(storedRelease{KeyID: keyID, Document: plaintext, VerifiedAt: tr.VerifiedAt})
	if err != nil {
		return nil, fmt.Errorf("marshaling release: %w", err)
	}
	if err := r.store.PutRelease(ctx, suite, data); err != nil {
		return nil, fmt.Errorf("persisting release %s: %w", suite, err)
	}

	r.mu.Lock()
	r.releases[suite] = tr
	r.mu.Unlock()

	r.logger.Info("release registered",
		"suite", suite,
		"codename", rel.Codename,
		"key_id", keyID,
		"files", rel.Len())
	return tr, nil
}

func (r *Registry) parse(suite string, plaintext []byte) (*repo.Release, error) {
	rel, err := repo.ParseRelease(plaintext)
	if err != nil {
		return nil, err
	}
	if !rel.Matches(suite) {
		return nil, fmt.Errorf("%w: release is for suite %q codename %q, requested %q",
			repo.ErrMalformed, rel.Suite, rel.Codename, suite)
	}
	if rel.Expired(r.now()) {
		return nil, fmt.Errorf("%w: release for %s expired at %s",
			repo.ErrMalformed, suite, rel.ValidUntil.Format(time.RFC3339))
	}
	return rel, nil
}

// Release returns the trusted release for suite, loading it from the store
// on first use. It returns nil without error when none is known, including
// when the known release has passed its Valid-Until.
func (r *Registry) Release(ctx context.Context, suite string) (*TrustedRelease, error) {
	r.mu.RLock()
	tr := r.releases[suite]
	r.mu.RUnlock()
	if tr != nil {
		if !tr.Expired(r.now()) {
			return tr, nil
		}
		r.logger.Warn("trusted release expired",
			"suite", suite,
			"valid_until", tr.ValidUntil.Format(time.RFC3339))
		return nil, r.expire(ctx, suite, tr)
	}

	v, err, _ := r.loads.Do(suite, func() (any, error) {
		return r.load(ctx, suite)
	})
	if err != nil {
		return nil, err
	}
	tr, _ = v.(*TrustedRelease)
	return tr, nil
}

func (r *Registry) load(ctx context.Context, suite string) (*TrustedRelease, error) {
	data, err := r.store.GetRelease(ctx, suite)
	if errors.Is(err, metadb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading release %s: %w", suite, err)
	}

	var sr storedRelease
	if err := json.Unmarshal(data, &sr); err != nil {
		return nil, fmt.Errorf("decoding release %s: %w", suite, err)
	}
	rel, err := r.parse(suite, sr.Document)
	if err != nil {
		// A stored release that no longer holds (e.g. past Valid-Until) is
		// dropped so the next request re-fetches it.
		r.logger.Warn("discarding stored release", "suite", suite, "error", err)
		if derr := r.store.DeleteRelease(ctx, suite); derr != nil {
			r.logger.Error("failed to delete stored release", "suite", suite, "error", derr)
		}
		return nil, nil
	}

	tr := &TrustedRelease{Release: rel, KeyID: sr.KeyID, VerifiedAt: sr.VerifiedAt}
	r.mu.Lock()
	if cur := r.releases[suite]; cur != nil {
		tr = cur
	} else {
		r.releases[suite] = tr
	}
	r.mu.Unlock()
	return tr, nil
}

// ForgetRelease drops the trusted release for suite.
func (r *Registry) ForgetRelease(ctx context.Context, suite string) error {
	r.mu.Lock()
	delete(r.releases, suite)
	r.mu.Unlock()
	if err := r.store.DeleteRelease(ctx, suite); err != nil && !errors.Is(err, metadb.ErrNotFound) {
		return fmt.Errorf("deleting release %s: %w", suite, err)
	}
	return nil
}

// expire drops tr unless a newer release replaced it in the meantime.
func (r *Registry) expire(ctx context.Context, suite string, tr *TrustedRelease) error {
	r.mu.Lock()
	if r.releases[suite] != tr {
		r.mu.Unlock()
		return nil
	}
	delete(r.releases, suite)
	r.mu.Unlock()
	if err := r.store.DeleteRelease(ctx, suite); err != nil && !errors.Is(err, metadb.ErrNotFound) {
		return fmt.Errorf("deleting release %s: %w", suite, err)
	}
	return nil
}

// RegisterIndex records the pool files listed in a verified, decompressed
// Packages or Sources index. source names the index in the records. Once the
// whole index is recorded, files only an earlier copy of source listed stop
// resolving.
func (r *Registry) RegisterIndex(ctx context.Context, suite, source, keyID string, index io.Reader) (int, error) {
	batch := make(map[string]metadb.PoolRecord, poolBatchSize)
	total := 0
	generation := uuid.NewString()

	flush := func() error {
		if err := r.store.PutPoolRecords(ctx, batch); err != nil {
			return fmt.Errorf("persisting pool records: %w", err)
		}
		total += len(batch)
		clear(batch)
		return nil
	}

	err := repo.ScanIndex(index, func(pf repo.PoolFile) error {
		batch[pf.Path] = metadb.PoolRecord{
			Digest:     pf.SHA256.String(),
			Size:       pf.Size,
			Suite:      suite,
			Index:      source,
			KeyID:      keyID,
			Generation: generation,
		}
		if len(batch) >= poolBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return total, err
	}
	if err := flush(); err != nil {
		return total, err
	}

	pruned, err := r.store.PrunePoolRecords(ctx, source, generation)
	if err != nil {
		return total, fmt.Errorf("pruning pool records for %s: %w", source, err)
	}

	r.logger.Debug("index registered", "suite", suite, "index", source, "files", total, "pruned", pruned)
	return total, nil
}

// Expect resolves the expected digest for a path. Paths under dists/ resolve
// through the suite's trusted release, by-hash paths by digest. Pool paths
// resolve through the pool index. ok is false when nothing vouches for p.
func (r *Registry) Expect(ctx context.Context, p repo.Path) (Expectation, bool, error) {
	switch p.Kind {
	case repo.KindPackageFile:
		return r.expectPool(ctx, p)
	case repo.KindPackageIndex:
		return r.expectIndex(ctx, p)
	}
	return Expectation{}, false, nil
}

func (r *Registry) expectIndex(ctx context.Context, p repo.Path) (Expectation, bool, error) {
	tr, err := r.Release(ctx, p.Suite)
	if err != nil || tr == nil {
		return Expectation{}, false, err
	}

	var (
		fh repo.FileHash
		ok bool
	)
	if p.ByHash != "" {
		d, err := aptg.ParseDigest(p.ByHash)
		if err != nil {
			return Expectation{}, false, nil
		}
		fh, ok = tr.LookupByHash(d)
	} else {
		fh, ok = tr.Lookup(p.RelativeToSuite())
	}
	if !ok {
		return Expectation{}, false, nil
	}
	return Expectation{
		SHA256: fh.SHA256,
		Size:   fh.Size,
		KeyID:  tr.KeyID,
		Source: "release " + p.Suite,
	}, true, nil
}

func (r *Registry) expectPool(ctx context.Context, p repo.Path) (Expectation, bool, error) {
	rec, err := r.store.GetPoolRecord(ctx, p.Raw)
	if errors.Is(err, metadb.ErrNotFound) {
		return Expectation{}, false, nil
	}
	if err != nil {
		return Expectation{}, false, fmt.Errorf("loading pool record: %w", err)
	}
	d, err := aptg.ParseDigest(rec.Digest)
	if err != nil {
		return Expectation{}, false, fmt.Errorf("pool record for %s: %w", p.Raw, err)
	}
	return Expectation{
		SHA256: d,
		Size:   rec.Size,
		KeyID:  rec.KeyID,
		Source: "index " + rec.Index,
	}, true, nil
}
