package pipeline

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/aptg/backend"
	"github.com/wolfeidau/aptg/cache"
	"github.com/wolfeidau/aptg/policy"
	"github.com/wolfeidau/aptg/repo"
	"github.com/wolfeidau/aptg/store/metadb"
	"github.com/wolfeidau/aptg/telemetry"
	"github.com/wolfeidau/aptg/upstream"
	"github.com/wolfeidau/aptg/verify"
)

func startUpstream(t *testing.T) (*fakeUpstream, *httptest.Server) {
	t.Helper()
	up := newFakeUpstream()
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)
	return up, srv
}

func TestServeDeniedWithoutUpstream(t *testing.T) {
	up, srv := startUpstream(t)
	key, _ := testKeys(t)
	newArchive(t).publish(t, up, key)

	rules := policy.MustCompile(policy.Config{Deny: policy.DenyConfig{Architectures: []string{"arm64"}}})
	env := newTestEnv(t, srv, withEnvSettings(Settings{Rules: rules, TTL: repo.DefaultTTLPolicy()}))

	_, _, err := env.get(t, "pool/main/h/hello/hello_2.12-1_arm64.deb")
	var denied *PolicyDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, policy.DimensionArchitecture, denied.Decision.Dimension)
	assert.Equal(t, OutcomeDenied, Classify(err))
	assert.Zero(t, up.TotalHits())

	ev := env.lastEvent(t)
	assert.Equal(t, string(OutcomeDenied), ev.Outcome)
	assert.Contains(t, ev.Policy, "arm64")
	assert.Equal(t, "req-1", ev.RequestID)
}

func TestServeMissVerifiesAndCaches(t *testing.T) {
	up, srv := startUpstream(t)
	key, _ := testKeys(t)
	a := newArchive(t)
	a.publish(t, up, key)
	env := newTestEnv(t, srv)

	// The index request bootstraps the release.
	resp, body, err := env.get(t, packagesPath)
	require.NoError(t, err)
	assert.Equal(t, a.packages, body)
	assert.Equal(t, telemetry.CacheMiss, resp.CacheResult)
	assert.Equal(t, verify.Verified{KeyID: key.PrimaryKey.KeyIdString()}, resp.Verification)
	assert.Equal(t, 1, up.Hits(inReleasePath))

	resp, body, err = env.get(t, debPath)
	require.NoError(t, err)
	assert.Equal(t, a.deb, body)
	assert.Equal(t, telemetry.CacheMiss, resp.CacheResult)
	assert.Equal(t, "application/vnd.debian.binary-package", resp.ContentType)
	assert.False(t, resp.Degraded)

	ev := env.lastEvent(t)
	assert.Equal(t, string(OutcomeServed), ev.Outcome)
	assert.Equal(t, string(telemetry.CacheMiss), ev.Cache)
	assert.Equal(t, int64(len(a.deb)), ev.Bytes)

	// Hit: no further upstream traffic.
	resp, body, err = env.get(t, debPath)
	require.NoError(t, err)
	assert.Equal(t, a.deb, body)
	assert.Equal(t, telemetry.CacheHit, resp.CacheResult)
	assert.Equal(t, 1, up.Hits(debPath))
	assert.Equal(t, string(telemetry.CacheHit), env.lastEvent(t).Cache)

	entry, err := env.cache.Lookup(context.Background(), debPath)
	require.NoError(t, err)
	assert.Equal(t, repo.TTLImmutableLong, entry.TTLClass)
}

func TestServeHashMismatchRejected(t *testing.T) {
	up, srv := startUpstream(t)
	key, _ := testKeys(t)
	a := newArchive(t)
	a.publish(t, up, key)
	tampered := bytes.Clone(a.deb)
	tampered[0] = 'H'
	up.set(debPath, tampered)
	env := newTestEnv(t, srv)

	_, _, err := env.get(t, packagesPath)
	require.NoError(t, err)

	_, _, err = env.get(t, debPath)
	var ve *VerificationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, verify.OutcomeHashMismatch, ve.Result.Outcome())
	assert.Equal(t, OutcomeVerificationFailed, Classify(err))

	_, err = env.cache.Lookup(context.Background(), debPath)
	require.ErrorIs(t, err, cache.ErrNotFound)

	ev := env.lastEvent(t)
	assert.Equal(t, string(OutcomeVerificationFailed), ev.Outcome)
	assert.Contains(t, ev.Verification, "mismatch")
}

func TestServeUnlistedPathUnverifiable(t *testing.T) {
	up, srv := startUpstream(t)
	key, _ := testKeys(t)
	newArchive(t).publish(t, up, key)
	env := newTestEnv(t, srv)

	// No index has vouched for the package yet.
	_, _, err := env.get(t, debPath)
	var ve *VerificationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, verify.OutcomeUnverifiable, ve.Result.Outcome())
	assert.Zero(t, up.Hits(debPath))

	_, _, err = env.get(t, "dists/bookworm/main/binary-amd64/Packages.bz2")
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, verify.OutcomeUnverifiable, ve.Result.Outcome())

	_, _, err = env.get(t, "README")
	require.ErrorAs(t, err, &ve)
	assert.Zero(t, up.Hits("README"))
}

func TestServeInvalidPath(t *testing.T) {
	up, srv := startUpstream(t)
	env := newTestEnv(t, srv)

	_, _, err := env.get(t, "dists/../../etc/passwd")
	require.ErrorIs(t, err, repo.ErrInvalidPath)
	assert.Equal(t, OutcomeInvalidPath, Classify(err))
	assert.Zero(t, up.TotalHits())
	assert.Equal(t, string(OutcomeInvalidPath), env.lastEvent(t).Outcome)
}

func TestServeUntrustedSigner(t *testing.T) {
	up, srv := startUpstream(t)
	_, other := testKeys(t)
	newArchive(t).publish(t, up, other)
	env := newTestEnv(t, srv)

	_, _, err := env.get(t, inReleasePath)
	var ve *VerificationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, verify.OutcomeNoKeyFound, ve.Result.Outcome())

	_, err = env.cache.Peek(context.Background(), inReleasePath)
	require.ErrorIs(t, err, cache.ErrNotFound)

	// Indexes under an untrusted release are refused too.
	_, _, err = env.get(t, packagesPath)
	assert.Equal(t, OutcomeVerificationFailed, Classify(err))
	assert.Zero(t, up.Hits(packagesPath))
}

func TestServeSingleFlight(t *testing.T) {
	up, srv := startUpstream(t)
	key, _ := testKeys(t)
	a := newArchive(t)
	a.publish(t, up, key)
	env := newTestEnv(t, srv)

	_, _, err := env.get(t, packagesPath)
	require.NoError(t, err)

	release := up.gate(debPath)
	const callers = 5
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		bodies [][]byte
	)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, body, err := env.get(t, debPath)
			assert.NoError(t, err)
			mu.Lock()
			bodies = append(bodies, body)
			mu.Unlock()
		}()
	}

	require.Eventually(t, func() bool {
		return env.orch.flights.Waiters(debPath) == callers
	}, 5*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, up.Hits(debPath))
	require.Len(t, bodies, callers)
	for _, b := range bodies {
		assert.Equal(t, a.deb, b)
	}
	assert.Zero(t, env.orch.InFlight())
}

func TestServeCallerCancelDoesNotAbortFill(t *testing.T) {
	up, srv := startUpstream(t)
	key, _ := testKeys(t)
	a := newArchive(t)
	a.publish(t, up, key)
	env := newTestEnv(t, srv)

	_, _, err := env.get(t, packagesPath)
	require.NoError(t, err)

	release := up.gate(debPath)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := env.orch.Serve(ctx, Request{Path: debPath})
		done <- err
	}()
	require.Eventually(t, func() bool { return up.Hits(debPath) == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	err = <-done
	assert.Equal(t, OutcomeCanceled, Classify(err))

	close(release)
	require.Eventually(t, func() bool {
		_, err := env.cache.Lookup(context.Background(), debPath)
		return err == nil
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, string(OutcomeCanceled), env.lastEvent(t).Outcome)
}

func TestServeRevalidatesExpiredInRelease(t *testing.T) {
	up, srv := startUpstream(t)
	key, _ := testKeys(t)
	a := newArchive(t)
	a.publish(t, up, key)
	env := newTestEnv(t, srv)

	first, body, err := env.get(t, inReleasePath)
	require.NoError(t, err)
	assert.Equal(t, telemetry.CacheMiss, first.CacheResult)

	env.clock.Advance(repo.DefaultMetadataShort + time.Minute)

	resp, again, err := env.get(t, inReleasePath)
	require.NoError(t, err)
	assert.Equal(t, telemetry.CacheRevalidated, resp.CacheResult)
	assert.Equal(t, body, again)
	assert.Equal(t, 1, up.NotModified(inReleasePath))

	entry, err := env.cache.Lookup(context.Background(), inReleasePath)
	require.NoError(t, err)
	assert.True(t, entry.FetchedAt.Equal(env.clock.Now()))
}

func TestServeRevalidatesIndexAgainstRelease(t *testing.T) {
	up, srv := startUpstream(t)
	key, _ := testKeys(t)
	a := newArchive(t)
	a.publish(t, up, key)
	env := newTestEnv(t, srv)

	_, _, err := env.get(t, packagesPath)
	require.NoError(t, err)

	env.clock.Advance(repo.DefaultIndexMedium + time.Minute)

	resp, body, err := env.get(t, packagesPath)
	require.NoError(t, err)
	assert.Equal(t, a.packages, body)
	assert.Equal(t, telemetry.CacheRevalidated, resp.CacheResult)
	assert.Equal(t, 1, up.NotModified(packagesPath))
}

func TestServeExpiredReleaseLosesTrust(t *testing.T) {
	ctx := context.Background()
	up, srv := startUpstream(t)
	key, _ := testKeys(t)
	env := newTestEnv(t, srv)
	a := newArchive(t)
	a.expires(env.clock.Now().Add(time.Hour))
	a.publish(t, up, key)

	_, body, err := env.get(t, packagesPath)
	require.NoError(t, err)
	assert.Equal(t, a.packages, body)

	env.clock.Advance(13 * time.Hour)

	_, _, err = env.get(t, inReleasePath)
	require.Error(t, err)
	assert.Equal(t, OutcomeMalformed, Classify(err))
	assert.Contains(t, err.Error(), "expired")

	tr, err := env.registry.Release(ctx, "bookworm")
	require.NoError(t, err)
	assert.Nil(t, tr)
	_, err = env.db.GetRelease(ctx, "bookworm")
	assert.ErrorIs(t, err, metadb.ErrNotFound)
	_, err = env.cache.Peek(ctx, inReleasePath)
	assert.ErrorIs(t, err, cache.ErrNotFound)

	p, err := repo.ParsePath(packagesPath)
	require.NoError(t, err)
	_, ok, err := env.registry.Expect(ctx, p)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = env.get(t, packagesPath)
	require.Error(t, err)
	assert.NotEqual(t, OutcomeServed, Classify(err))
}

func TestServeBadSignatureDropsTrust(t *testing.T) {
	ctx := context.Background()
	up, srv := startUpstream(t)
	key, other := testKeys(t)
	a := newArchive(t)
	a.publish(t, up, key)
	env := newTestEnv(t, srv)

	_, _, err := env.get(t, packagesPath)
	require.NoError(t, err)

	// The mirror now serves a release signed by an unknown key.
	a.publish(t, up, other)
	env.clock.Advance(repo.DefaultMetadataShort + time.Minute)

	_, _, err = env.get(t, inReleasePath)
	assert.Equal(t, OutcomeVerificationFailed, Classify(err))

	tr, err := env.registry.Release(ctx, "bookworm")
	require.NoError(t, err)
	assert.Nil(t, tr)
}

func TestServeRestartKeepsTrust(t *testing.T) {
	up, srv := startUpstream(t)
	key, _ := testKeys(t)
	a := newArchive(t)
	a.publish(t, up, key)

	dir := t.TempDir()
	clock := newTestClock()
	env := newTestEnv(t, srv, withDir(dir), withClock(clock))
	_, _, err := env.get(t, packagesPath)
	require.NoError(t, err)
	require.NoError(t, env.db.Close())

	// The release must not be fetched again after a restart.
	up.remove(inReleasePath)
	env = newTestEnv(t, srv, withDir(dir), withClock(clock))

	resp, _, err := env.get(t, packagesPath)
	require.NoError(t, err)
	assert.Equal(t, telemetry.CacheHit, resp.CacheResult)

	resp, body, err := env.get(t, debPath)
	require.NoError(t, err)
	assert.Equal(t, a.deb, body)
	assert.Equal(t, telemetry.CacheMiss, resp.CacheResult)
	assert.Equal(t, 1, up.Hits(inReleasePath))
}

func TestServeFallsBackToDetachedRelease(t *testing.T) {
	up, srv := startUpstream(t)
	key, _ := testKeys(t)
	a := newArchive(t)
	a.publishDetached(t, up, key)
	env := newTestEnv(t, srv)

	_, body, err := env.get(t, packagesPath)
	require.NoError(t, err)
	assert.Equal(t, a.packages, body)
	assert.Equal(t, 1, up.Hits(inReleasePath))
	assert.Equal(t, 1, up.Hits(releasePath))
	assert.Equal(t, 1, up.Hits(signaturePath))

	resp, _, err := env.get(t, signaturePath)
	require.NoError(t, err)
	assert.Equal(t, telemetry.CacheHit, resp.CacheResult)

	resp, body, err = env.get(t, releasePath)
	require.NoError(t, err)
	assert.Equal(t, telemetry.CacheHit, resp.CacheResult)
	assert.Equal(t, a.release, string(body))
}

func TestServeReleasePairTogether(t *testing.T) {
	up, srv := startUpstream(t)
	key, _ := testKeys(t)
	a := newArchive(t)
	a.publishDetached(t, up, key)
	env := newTestEnv(t, srv)

	resp, body, err := env.get(t, releasePath)
	require.NoError(t, err)
	assert.Equal(t, a.release, string(body))
	assert.Equal(t, telemetry.CacheMiss, resp.CacheResult)

	// The signature came with the same fill.
	resp, _, err = env.get(t, signaturePath)
	require.NoError(t, err)
	assert.Equal(t, telemetry.CacheHit, resp.CacheResult)
	assert.Equal(t, 1, up.Hits(signaturePath))
}

func TestServeDegradedWhenCacheWriteFails(t *testing.T) {
	up, srv := startUpstream(t)
	key, _ := testKeys(t)
	a := newArchive(t)
	a.publish(t, up, key)
	env := newTestEnv(t, srv, withBackend(func(b backend.Backend) backend.Backend {
		return failingWrites{b}
	}))

	resp, body, err := env.get(t, packagesPath)
	require.NoError(t, err)
	assert.Equal(t, a.packages, body)
	assert.True(t, resp.Degraded)
	assert.Equal(t, telemetry.CacheBypass, resp.CacheResult)
	assert.True(t, env.lastEvent(t).Degraded)

	_, err = env.cache.Lookup(context.Background(), packagesPath)
	require.ErrorIs(t, err, cache.ErrNotFound)

	// The index was still registered from the spool.
	_, body, err = env.get(t, debPath)
	require.NoError(t, err)
	assert.Equal(t, a.deb, body)
}

func TestServeRegistersIndexFromByHash(t *testing.T) {
	up, srv := startUpstream(t)
	key, _ := testKeys(t)
	a := newArchive(t)
	a.publish(t, up, key)
	env := newTestEnv(t, srv)

	_, body, err := env.get(t, a.byHashPath())
	require.NoError(t, err)
	assert.Equal(t, a.packagesGz, body)

	_, body, err = env.get(t, debPath)
	require.NoError(t, err)
	assert.Equal(t, a.deb, body)
	assert.Zero(t, up.Hits(packagesPath))
}

func TestServeSizeLimitDenied(t *testing.T) {
	up, srv := startUpstream(t)
	key, _ := testKeys(t)
	newArchive(t).publish(t, up, key)
	rules := policy.MustCompile(policy.Config{Limits: policy.LimitsConfig{MaxPackageSize: 16}})
	env := newTestEnv(t, srv, withEnvSettings(Settings{Rules: rules}))

	_, _, err := env.get(t, packagesPath)
	require.NoError(t, err)

	_, _, err = env.get(t, debPath)
	var denied *PolicyDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, policy.DimensionSize, denied.Decision.Dimension)
	assert.Zero(t, up.Hits(debPath))
	assert.Contains(t, env.lastEvent(t).Policy, "size")
}

func TestReloadSwapsRules(t *testing.T) {
	up, srv := startUpstream(t)
	key, _ := testKeys(t)
	newArchive(t).publish(t, up, key)
	env := newTestEnv(t, srv)

	_, _, err := env.get(t, packagesPath)
	require.NoError(t, err)

	env.orch.Reload(Settings{
		Rules: policy.MustCompile(policy.Config{Deny: policy.DenyConfig{Packages: []string{"hello"}}}),
		TTL:   repo.DefaultTTLPolicy(),
	})
	_, _, err = env.get(t, debPath)
	assert.Equal(t, OutcomeDenied, Classify(err))
	assert.NotNil(t, env.orch.Settings().Rules)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeServed},
		{"denied", &PolicyDeniedError{}, OutcomeDenied},
		{"verification", &VerificationError{Result: verify.Unverifiable{}}, OutcomeVerificationFailed},
		{"malformed", repo.ErrMalformed, OutcomeMalformed},
		{"storage", &StorageError{Op: "read", Err: errors.New("eio")}, OutcomeStorageError},
		{"canceled", context.Canceled, OutcomeCanceled},
		{"fetch canceled", &upstream.FetchError{Kind: upstream.KindCanceled, Err: context.Canceled}, OutcomeCanceled},
		{"fetch timeout", &upstream.FetchError{Kind: upstream.KindTimeout, Err: context.DeadlineExceeded}, OutcomeUpstreamTimeout},
		{"fetch not found", &upstream.FetchError{Kind: upstream.KindNotFound, Status: 404}, OutcomeNotFound},
		{"deadline", context.DeadlineExceeded, OutcomeUpstreamTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestFlightKeyPairsRelease(t *testing.T) {
	rel, err := repo.ParsePath(releasePath)
	require.NoError(t, err)
	sig, err := repo.ParsePath(signaturePath)
	require.NoError(t, err)
	in, err := repo.ParsePath(inReleasePath)
	require.NoError(t, err)

	assert.Equal(t, flightKey(rel), flightKey(sig))
	assert.NotEqual(t, flightKey(rel), flightKey(in))
}
