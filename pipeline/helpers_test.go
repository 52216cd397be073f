package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/cenkalti/backoff/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/aptg"
	"github.com/wolfeidau/aptg/audit"
	"github.com/wolfeidau/aptg/backend"
	"github.com/wolfeidau/aptg/cache"
	"github.com/wolfeidau/aptg/geoip"
	"github.com/wolfeidau/aptg/store"
	"github.com/wolfeidau/aptg/store/metadb"
	"github.com/wolfeidau/aptg/upstream"
	"github.com/wolfeidau/aptg/verify"
)

const (
	debPath        = "pool/main/h/hello/hello_2.12-1_amd64.deb"
	packagesPath   = "dists/bookworm/main/binary-amd64/Packages"
	packagesGzPath = "dists/bookworm/main/binary-amd64/Packages.gz"
	inReleasePath  = "dists/bookworm/InRelease"
	releasePath    = "dists/bookworm/Release"
	signaturePath  = "dists/bookworm/Release.gpg"
)

var (
	keysOnce sync.Once
	trusted  *openpgp.Entity
	stranger *openpgp.Entity
	keysErr  error
)

func testKeys(t *testing.T) (*openpgp.Entity, *openpgp.Entity) {
	t.Helper()
	keysOnce.Do(func() {
		trusted, keysErr = openpgp.NewEntity("Archive Key", "test", "archive@example.com", nil)
		if keysErr != nil {
			return
		}
		stranger, keysErr = openpgp.NewEntity("Other Key", "test", "other@example.com", nil)
	})
	require.NoError(t, keysErr)
	return trusted, stranger
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 2, 10, 12, 0, 0, 0, time.UTC)}
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

// archive is a one-package repository.
type archive struct {
	deb        []byte
	packages   []byte
	packagesGz []byte
	release    string
}

func newArchive(t *testing.T) *archive {
	t.Helper()
	a := &archive{deb: bytes.Repeat([]byte("hello world\n"), 64)}

	a.packages = []byte(fmt.Sprintf(`Package: hello
Version: 2.12-1
Architecture: amd64
Filename: %s
Size: %d
SHA256: %s

`, debPath, len(a.deb), aptg.DigestBytes(a.deb)))

	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	_, err := w.Write(a.packages)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	a.packagesGz = gz.Bytes()

	a.release = fmt.Sprintf(`Origin: Debian
Label: Debian
Suite: stable
Codename: bookworm
Date: Sat, 10 Feb 2024 09:55:43 UTC
Acquire-By-Hash: yes
Architectures: amd64 arm64
Components: main
SHA256:
 %s %d main/binary-amd64/Packages
 %s %d main/binary-amd64/Packages.gz
`, aptg.DigestBytes(a.packages), len(a.packages), aptg.DigestBytes(a.packagesGz), len(a.packagesGz))
	return a
}

// expires adds a Valid-Until field to the release.
func (a *archive) expires(at time.Time) {
	a.release = strings.Replace(a.release, "Acquire-By-Hash: yes\n",
		"Valid-Until: "+at.UTC().Format(time.RFC1123)+"\nAcquire-By-Hash: yes\n", 1)
}

func (a *archive) byHashPath() string {
	return "dists/bookworm/main/binary-amd64/by-hash/SHA256/" + aptg.DigestBytes(a.packagesGz).String()
}

// publish loads the archive into up, signed inline by signer.
func (a *archive) publish(t *testing.T, up *fakeUpstream, signer *openpgp.Entity) {
	t.Helper()
	var buf bytes.Buffer
	w, err := clearsign.Encode(&buf, signer.PrivateKey, nil)
	require.NoError(t, err)
	_, err = w.Write([]byte(a.release))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	up.set(inReleasePath, buf.Bytes())
	a.publishContent(up)
}

// publishDetached loads the archive into up with Release and Release.gpg
// only.
func (a *archive) publishDetached(t *testing.T, up *fakeUpstream, signer *openpgp.Entity) {
	t.Helper()
	var sig bytes.Buffer
	require.NoError(t, openpgp.ArmoredDetachSign(&sig, signer, strings.NewReader(a.release), nil))

	up.set(releasePath, []byte(a.release))
	up.set(signaturePath, sig.Bytes())
	a.publishContent(up)
}

func (a *archive) publishContent(up *fakeUpstream) {
	up.set(packagesPath, a.packages)
	up.set(packagesGzPath, a.packagesGz)
	up.set(a.byHashPath(), a.packagesGz)
	up.set(debPath, a.deb)
}

// fakeUpstream serves a mirror from memory, answering If-None-Match with
// 304 and counting requests per path.
type fakeUpstream struct {
	mu          sync.Mutex
	files       map[string][]byte
	hits        map[string]int
	notModified map[string]int
	gates       map[string]chan struct{}
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		files:       make(map[string][]byte),
		hits:        make(map[string]int),
		notModified: make(map[string]int),
		gates:       make(map[string]chan struct{}),
	}
}

func (f *fakeUpstream) set(path string, body []byte) {
	f.mu.Lock()
	f.files[path] = body
	f.mu.Unlock()
}

func (f *fakeUpstream) remove(path string) {
	f.mu.Lock()
	delete(f.files, path)
	f.mu.Unlock()
}

// gate holds requests for path until the returned channel is closed.
func (f *fakeUpstream) gate(path string) chan struct{} {
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[path] = ch
	f.mu.Unlock()
	return ch
}

func (f *fakeUpstream) Hits(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fakeUpstream) NotModified(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notModified[path]
}

func (f *fakeUpstream) TotalHits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, h := range f.hits {
		n += h
	}
	return n
}

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/debian/")

	f.mu.Lock()
	f.hits[path]++
	body, ok := f.files[path]
	gate := f.gates[path]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if !ok {
		http.NotFound(w, r)
		return
	}

	etag := `"` + aptg.DigestBytes(body).String()[:16] + `"`
	w.Header().Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		f.mu.Lock()
		f.notModified[path]++
		f.mu.Unlock()
		w.WriteHeader(http.StatusNotModified)
		return
	}
	_, _ = w.Write(body)
}

// failingWrites rejects every blob write.
type failingWrites struct {
	backend.Backend
}

func (failingWrites) Write(context.Context, string, io.Reader) error {
	return fmt.Errorf("disk full")
}

type envOptions struct {
	dir      string
	clock    *testClock
	settings *Settings
	locator  geoip.Locator
	wrap     func(backend.Backend) backend.Backend
}

type envOption func(*envOptions)

func withDir(dir string) envOption {
	return func(o *envOptions) { o.dir = dir }
}

func withClock(c *testClock) envOption {
	return func(o *envOptions) { o.clock = c }
}

func withEnvSettings(s Settings) envOption {
	return func(o *envOptions) { o.settings = &s }
}

func withLocator(l geoip.Locator) envOption {
	return func(o *envOptions) { o.locator = l }
}

// staticLocator places clients from a fixed table. Unknown addresses are
// not in the database.
type staticLocator map[string]geoip.Location

func (s staticLocator) Locate(ip net.IP) (geoip.Location, error) {
	return s[ip.String()], nil
}

func withBackend(wrap func(backend.Backend) backend.Backend) envOption {
	return func(o *envOptions) { o.wrap = wrap }
}

type testEnv struct {
	clock    *testClock
	db       *metadb.BoltDB
	cache    *cache.Manager
	registry *verify.Registry
	ring     *audit.Ring
	orch     *Orchestrator
	dir      string
}

func newTestEnv(t *testing.T, srv *httptest.Server, opts ...envOption) *testEnv {
	t.Helper()
	o := envOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dir == "" {
		o.dir = t.TempDir()
	}
	if o.clock == nil {
		o.clock = newTestClock()
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db := metadb.NewBoltDB(metadb.WithNoSync(true), metadb.WithNow(o.clock.Now))
	require.NoError(t, db.Open(filepath.Join(o.dir, "meta.db")))
	t.Cleanup(func() { _ = db.Close() })

	var blobs backend.Backend
	fs, err := backend.NewFilesystem(filepath.Join(o.dir, "blobs"))
	require.NoError(t, err)
	blobs = fs
	if o.wrap != nil {
		blobs = o.wrap(blobs)
	}

	c := cache.New(db, store.NewCAFS(blobs, store.WithTempDir(o.dir)),
		cache.WithNow(o.clock.Now),
		cache.WithLogger(logger))
	registry := verify.NewRegistry(db,
		verify.WithRegistryNow(o.clock.Now),
		verify.WithRegistryLogger(logger))

	client, err := upstream.New(srv.URL+"/debian",
		upstream.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
		upstream.WithMaxAttempts(1),
		upstream.WithTempDir(t.TempDir()),
		upstream.WithLogger(logger))
	require.NoError(t, err)

	key, _ := testKeys(t)
	ring := audit.NewRing(64)
	orchOpts := []Option{
		WithLogger(logger),
		WithNow(o.clock.Now),
		WithAudit(audit.NewLog([]audit.Sink{ring}, audit.WithNow(o.clock.Now), audit.WithLogger(logger))),
	}
	if o.settings != nil {
		orchOpts = append(orchOpts, WithSettings(*o.settings))
	}
	if o.locator != nil {
		orchOpts = append(orchOpts, WithLocator(o.locator))
	}

	return &testEnv{
		clock:    o.clock,
		db:       db,
		cache:    c,
		registry: registry,
		ring:     ring,
		orch:     New(c, registry, verify.NewKeyring(openpgp.EntityList{key}), client, orchOpts...),
		dir:      o.dir,
	}
}

// get serves path and reads the whole body.
func (e *testEnv) get(t *testing.T, path string) (*Response, []byte, error) {
	t.Helper()
	resp, err := e.orch.Serve(context.Background(), Request{Path: path, Method: http.MethodGet, RequestID: "req-1"})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body, nil
}

// lastEvent returns the most recent audit event.
func (e *testEnv) lastEvent(t *testing.T) audit.Event {
	t.Helper()
	events := e.ring.Recent(1)
	require.Len(t, events, 1)
	return events[0]
}
