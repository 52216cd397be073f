// Package pipeline fulfils client requests for repository paths: policy
// check, cache lookup, a single-flight upstream fill with verification and
// cache population, and one audit event per request.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/aptg"
	"github.com/wolfeidau/aptg/audit"
	"github.com/wolfeidau/aptg/cache"
	"github.com/wolfeidau/aptg/download"
	"github.com/wolfeidau/aptg/geoip"
	"github.com/wolfeidau/aptg/policy"
	"github.com/wolfeidau/aptg/repo"
	"github.com/wolfeidau/aptg/telemetry"
	"github.com/wolfeidau/aptg/upstream"
	"github.com/wolfeidau/aptg/verify"
)

// DefaultFillTimeout bounds a shared fill, including retries and any release
// bootstrap it triggers.
const DefaultFillTimeout = 5 * time.Minute

// Fetcher retrieves upstream paths.
type Fetcher interface {
	Fetch(ctx context.Context, path string, cond upstream.Conditional) (*upstream.Response, error)
}

// Settings is the reloadable part of the configuration.
type Settings struct {
	Rules *policy.Rules
	TTL   repo.TTLPolicy
	// Geo is checked before Rules when a Locator is configured. Nil skips
	// the geographic check.
	Geo *geoip.Policy
}

// Request is one client request.
type Request struct {
	Path      string
	Method    string
	RequestID string
	ClientIP  string
	UserAgent string
}

// Response is verified content ready to stream. The caller must close Body.
type Response struct {
	Path         repo.Path
	CacheResult  telemetry.CacheResult
	Verification verify.Result
	// Degraded is set when the content could not be cached and is served
	// from the upstream spool.
	Degraded    bool
	Size        int64
	ContentType string
	ModTime     time.Time
	Digest      aptg.Digest
	Body        io.ReadCloser
}

// Orchestrator runs the request pipeline.
type Orchestrator struct {
	cache    *cache.Manager
	registry *verify.Registry
	keyring  *verify.Keyring
	upstream Fetcher
	audit    *audit.Log
	locator  geoip.Locator
	flights  *download.Downloader[*fill]
	settings atomic.Pointer[Settings]

	fillTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithAudit sets the audit log. Without one no events are recorded.
func WithAudit(log *audit.Log) Option {
	return func(o *Orchestrator) {
		o.audit = log
	}
}

// WithLocator sets the client address database used by Settings.Geo.
func WithLocator(l geoip.Locator) Option {
	return func(o *Orchestrator) {
		o.locator = l
	}
}

// WithSettings sets the initial policy rules and TTLs.
func WithSettings(s Settings) Option {
	return func(o *Orchestrator) {
		o.settings.Store(&s)
	}
}

// WithFillTimeout bounds each shared fill.
func WithFillTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.fillTimeout = d
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New creates an orchestrator.
func New(c *cache.Manager, registry *verify.Registry, keyring *verify.Keyring, up Fetcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cache:       c,
		registry:    registry,
		keyring:     keyring,
		upstream:    up,
		fillTimeout: DefaultFillTimeout,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.settings.Load() == nil {
		o.settings.Store(&Settings{TTL: repo.DefaultTTLPolicy()})
	}
	o.cache.SetTTLPolicy(o.settings.Load().TTL)
	o.logger = o.logger.With("component", "pipeline")
	o.flights = download.New[*fill](
		download.WithLogger(o.logger),
		download.WithTimeout(o.fillTimeout),
	)
	return o
}

// Reload swaps the settings. Requests already past the policy check finish
// under the old rules.
func (o *Orchestrator) Reload(s Settings) {
	o.settings.Store(&s)
	o.cache.SetTTLPolicy(s.TTL)
	o.logger.Info("settings reloaded")
}

// Settings returns the current settings.
func (o *Orchestrator) Settings() Settings {
	return *o.settings.Load()
}

// InFlight returns the number of paths with a fill in progress.
func (o *Orchestrator) InFlight() int {
	return o.flights.InFlight()
}

// Serve runs the pipeline for one request and records its audit event. On
// error the outcome is available through Classify.
func (o *Orchestrator) Serve(ctx context.Context, req Request) (*Response, error) {
	start := o.now()
	ev := audit.Event{
		RequestID: req.RequestID,
		Method:    req.Method,
		Path:      req.Path,
		ClientIP:  req.ClientIP,
		UserAgent: req.UserAgent,
	}

	resp, err := o.serve(ctx, req.Path, req.ClientIP, &ev)

	outcome := Classify(err)
	ev.Outcome = string(outcome)
	if err != nil {
		ev.Detail = err.Error()
	}
	if resp != nil {
		ev.Degraded = resp.Degraded
		ev.Bytes = resp.Size
	}
	ev.SetDuration(o.now().Sub(start))

	if o.audit != nil {
		// A client hanging up must not drop its audit record.
		if aerr := o.audit.Record(context.WithoutCancel(ctx), ev); aerr != nil {
			o.logger.Warn("audit record incomplete", "path", ev.Path, "error", aerr)
		}
	}

	if err != nil {
		level := slog.LevelWarn
		if outcome == OutcomeStorageError {
			level = slog.LevelError
		}
		o.logger.Log(ctx, level, "request failed",
			"path", ev.Path,
			"request_id", req.RequestID,
			"outcome", outcome,
			"error", err)
	}
	return resp, err
}

func (o *Orchestrator) serve(ctx context.Context, raw, clientIP string, ev *audit.Event) (*Response, error) {
	p, err := repo.ParsePath(raw)
	if err != nil {
		ev.Policy = "not evaluated"
		return nil, fmt.Errorf("%q: %w", raw, err)
	}
	ev.Path = p.Raw
	settings := o.settings.Load()

	var geo string
	if settings.Geo != nil && o.locator != nil {
		gd := o.locate(ctx, settings.Geo, clientIP, p.Raw)
		ev.Policy = gd.String()
		if gd.Blocked() {
			return nil, &GeoBlockedError{Decision: gd}
		}
		geo = ev.Policy + "; "
	}

	dec := policy.Evaluate(p, settings.Rules)
	ev.Policy = geo + dec.String()
	if err := checkPolicy(ctx, dec); err != nil {
		return nil, err
	}

	entry, err := o.cache.Lookup(ctx, p.Raw)
	switch {
	case err == nil:
		ev.Cache = string(telemetry.CacheHit)
		ev.Verification = entry.Verification.String()
		return o.respond(ctx, p, entry, telemetry.CacheHit)
	case errors.Is(err, cache.ErrNotFound):
		// Missing or expired: fill below.
	default:
		return nil, &StorageError{Op: "lookup", Err: err}
	}

	if p.Kind == repo.KindPackageFile {
		exp, ok, err := o.registry.Expect(ctx, p)
		if err != nil {
			return nil, &StorageError{Op: "expect", Err: err}
		}
		if ok {
			dec := policy.EvaluateSize(p, exp.Size, settings.Rules)
			if !dec.Allowed() {
				ev.Policy = geo + dec.String()
			}
			if err := checkPolicy(ctx, dec); err != nil {
				return nil, err
			}
		}
	}

	ev.Cache = string(telemetry.CacheMiss)
	f, _, err := o.flights.Do(ctx, flightKey(p), func(ctx context.Context) (*fill, error) {
		return o.fill(ctx, p)
	})
	if err != nil {
		var ve *VerificationError
		if errors.As(err, &ve) {
			ev.Verification = ve.Result.String()
		}
		return nil, err
	}

	a := f.artifacts[p.Raw]
	if a == nil {
		return nil, &StorageError{Op: "fill", Err: fmt.Errorf("fill produced no content for %s", p.Raw)}
	}
	ev.Cache = string(a.cacheResult)
	ev.Verification = a.verification.String()

	if a.entry == nil {
		return &Response{
			Path:         p,
			CacheResult:  a.cacheResult,
			Verification: a.verification,
			Degraded:     true,
			Size:         a.spool.size,
			ContentType:  repo.ContentType(p),
			ModTime:      a.spool.fetchedAt,
			Digest:       a.spool.digest,
			Body:         a.spool.reader(),
		}, nil
	}
	return o.respond(ctx, p, a.entry, a.cacheResult)
}

func checkPolicy(ctx context.Context, dec policy.Decision) error {
	deny, denied := dec.(policy.Deny)
	telemetry.RecordPolicyDecision(ctx, !denied, string(deny.Dimension))
	if !denied {
		return nil
	}
	return &PolicyDeniedError{Decision: deny}
}

// locate resolves the client and applies the geographic policy. A client
// the database cannot place gets the policy's default action.
func (o *Orchestrator) locate(ctx context.Context, gp *geoip.Policy, clientIP, path string) geoip.Decision {
	loc := geoip.Location{IP: clientIP}
	if ip := net.ParseIP(clientIP); ip != nil {
		found, err := o.locator.Locate(ip)
		if err != nil {
			o.logger.Warn("geoip lookup failed", "client_ip", clientIP, "error", err)
		} else {
			loc = found
			loc.IP = clientIP
		}
	}

	d := gp.Decide(loc, path, o.now())
	telemetry.RecordPolicyDecision(ctx, !d.Blocked(), "geo")
	if d.Action == geoip.ActionLogOnly {
		o.logger.Info("geoip rule matched",
			"client_ip", clientIP,
			"path", path,
			"rule", d.Rule,
			"location", d.Location.String())
	}
	return d
}

func (o *Orchestrator) respond(ctx context.Context, p repo.Path, entry *cache.Entry, cr telemetry.CacheResult) (*Response, error) {
	body, err := o.cache.Open(ctx, entry)
	if err != nil {
		// The blob is gone or unreadable; drop the entry so the next
		// request refills it.
		o.invalidate(ctx, entry.Key)
		return nil, &StorageError{Op: "read", Err: err}
	}
	return &Response{
		Path:         p,
		CacheResult:  cr,
		Verification: entry.Verification,
		Size:         entry.Size,
		ContentType:  entry.ContentType,
		ModTime:      entry.FetchedAt,
		Digest:       entry.Digest,
		Body:         body,
	}, nil
}

func (o *Orchestrator) invalidate(ctx context.Context, key string) {
	if err := o.cache.Invalidate(ctx, key); err != nil {
		o.logger.Error("failed to invalidate entry", "key", key, "error", err)
	}
}
