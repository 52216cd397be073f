// Package upstream fetches repository files from the upstream mirror. Bodies
// are spooled to a temp file and hashed on the way in, so nothing reaches a
// client before it has been verified.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/wolfeidau/aptg"
	"github.com/wolfeidau/aptg/credentials"
	"github.com/wolfeidau/aptg/repo"
	"github.com/wolfeidau/aptg/telemetry"
)

const (
	// DefaultBaseURL is the upstream mirror used when none is configured.
	DefaultBaseURL = "https://deb.debian.org/debian"

	// DefaultTimeout bounds a single attempt, body included.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxAttempts is the number of attempts for retryable failures.
	DefaultMaxAttempts = 3

	// UserAgent identifies the proxy to the upstream.
	UserAgent = "aptg/0.1.0"
)

// Conditional carries validators from a cached entry for revalidation.
type Conditional struct {
	ETag         string
	LastModified string
}

// IsZero reports whether there is nothing to revalidate with.
func (c Conditional) IsZero() bool {
	return c.ETag == "" && c.LastModified == ""
}

// Client fetches paths relative to the upstream base URL.
type Client struct {
	base        *url.URL
	client      *http.Client
	auth        *credentials.UpstreamAuth
	timeout     time.Duration
	maxAttempts uint
	backoff     func() backoff.BackOff
	tempDir     string
	logger      *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithAuth sets credentials sent with every upstream request.
func WithAuth(auth *credentials.UpstreamAuth) Option {
	return func(c *Client) {
		c.auth = auth
	}
}

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithMaxAttempts sets how many times retryable failures are attempted.
func WithMaxAttempts(n uint) Option {
	return func(c *Client) {
		c.maxAttempts = max(n, 1)
	}
}

// WithBackOff sets the retry schedule. Tests use a constant zero backoff.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) {
		c.backoff = fn
	}
}

// WithTempDir sets the directory for response spools.
func WithTempDir(dir string) Option {
	return func(c *Client) {
		c.tempDir = dir
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a client for baseURL, e.g. "https://deb.debian.org/debian".
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing upstream url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("upstream url %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		base:        u,
		timeout:     DefaultTimeout,
		maxAttempts: DefaultMaxAttempts,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil, u.Host),
		}
	}
	c.logger = c.logger.With("component", "upstream", "upstream", u.Host)
	return c, nil
}

// URL returns the absolute upstream URL for a repository path.
func (c *Client) URL(path string) string {
	u := *c.base
	u.Path = c.base.Path + "/" + strings.TrimPrefix(path, "/")
	return u.String()
}

// Fetch retrieves path. With a non-zero cond a 304 answer yields a Response
// with NotModified set and no body. Timeouts and connection failures are
// retried with backoff; HTTP errors are not. The caller must Close the
// returned Response.
func (c *Client) Fetch(ctx context.Context, path string, cond Conditional) (*Response, error) {
	kind := string(repo.KindOther)
	if p, err := repo.ParsePath(path); err == nil {
		kind = string(p.Kind)
	}
	attempt := 0
	resp, err := backoff.Retry(ctx, func() (*Response, error) {
		attempt++
		actx := telemetry.WithFetchInfo(ctx, telemetry.FetchInfo{Kind: kind, Attempt: attempt})
		resp, err := c.fetchOnce(actx, path, cond)
		if err == nil {
			return resp, nil
		}
		var fe *FetchError
		if errors.As(err, &fe) && fe.Retryable() && ctx.Err() == nil {
			c.logger.Warn("upstream fetch failed, retrying",
				"path", path,
				"attempt", attempt,
				"kind", fe.Kind,
				"error", fe.Err)
			return nil, err
		}
		return nil, backoff.Permanent(err)
	},
		backoff.WithBackOff(c.backoff()),
		backoff.WithMaxTries(c.maxAttempts),
	)
	if err != nil {
		return nil, classify(path, err)
	}
	return resp, nil
}

func (c *Client) fetchOnce(ctx context.Context, path string, cond Conditional) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(path), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	if cond.ETag != "" {
		req.Header.Set("If-None-Match", cond.ETag)
	}
	if cond.LastModified != "" {
		req.Header.Set("If-Modified-Since", cond.LastModified)
	}
	c.auth.Apply(req)

	start := time.Now()
	httpResp, err := c.client.Do(req)
	if err != nil {
		return nil, classify(path, err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	switch {
	case httpResp.StatusCode == http.StatusNotModified && !cond.IsZero():
		return &Response{
			NotModified:  true,
			ETag:         httpResp.Header.Get("ETag"),
			LastModified: httpResp.Header.Get("Last-Modified"),
		}, nil
	case httpResp.StatusCode == http.StatusNotFound || httpResp.StatusCode == http.StatusGone:
		return nil, &FetchError{Kind: KindNotFound, Path: path, Status: httpResp.StatusCode}
	case httpResp.StatusCode != http.StatusOK:
		return nil, &FetchError{Kind: KindHTTPError, Path: path, Status: httpResp.StatusCode}
	}

	resp, err := c.spool(httpResp)
	if err != nil {
		return nil, classify(path, err)
	}
	c.logger.Debug("fetched",
		"path", path,
		"size", resp.Size,
		"duration_ms", time.Since(start).Milliseconds())
	return resp, nil
}

func (c *Client) spool(httpResp *http.Response) (*Response, error) {
	f, err := os.CreateTemp(c.tempDir, "aptg-fetch-*")
	if err != nil {
		return nil, fmt.Errorf("creating spool: %w", err)
	}
	resp := &Response{
		ContentType:  httpResp.Header.Get("Content-Type"),
		ETag:         httpResp.Header.Get("ETag"),
		LastModified: httpResp.Header.Get("Last-Modified"),
		spoolPath:    f.Name(),
	}

	hw := aptg.NewHashingWriter(f)
	_, copyErr := io.Copy(hw, httpResp.Body)
	closeErr := f.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		_ = resp.Close()
		return nil, err
	}
	if httpResp.ContentLength >= 0 && hw.BytesWritten() != httpResp.ContentLength {
		_ = resp.Close()
		return nil, fmt.Errorf("short body: expected %d bytes, got %d", httpResp.ContentLength, hw.BytesWritten())
	}

	resp.Size = hw.BytesWritten()
	resp.Digest = hw.Digest()
	resp.Hash = hw.Sum()
	return resp, nil
}
