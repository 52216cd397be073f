// Package server provides the HTTP transport for aptg.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/aptg/audit"
	"github.com/wolfeidau/aptg/cache"
	"github.com/wolfeidau/aptg/pipeline"
	"github.com/wolfeidau/aptg/repo"
	"github.com/wolfeidau/aptg/telemetry"
)

const (
	// RepoPrefix is where the mirror is served.
	RepoPrefix = "/debian/"

	// statusClientClosed is logged when the client went away before the
	// response. Nothing reaches the client.
	statusClientClosed = 499

	defaultRecentEvents = 50
	maxRecentEvents     = 1000
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken, when set, is required on every route except /health and
	// /metrics, as a bearer token or as the basic auth password.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server in front of the request pipeline.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	handler    http.Handler

	pipeline *pipeline.Orchestrator
	cache    *cache.Manager
	audit    *audit.Log
	started  time.Time
}

// New creates a server. auditLog may be nil.
func New(cfg Config, orch *pipeline.Orchestrator, c *cache.Manager, auditLog *audit.Log) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger.With("component", "server"),
		pipeline: orch,
		cache:    c,
		audit:    auditLog,
		started:  time.Now(),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(s.authMiddleware(mux))

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: 30 * time.Second,
		WriteTimeout:      30 * time.Minute, // large packages over slow links
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /audit/recent", s.handleRecent)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// All methods land here so rejected ones are logged with a 405.
	mux.HandleFunc(RepoPrefix+"{path...}", s.handleRepo)
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type statsResponse struct {
	Cache         *cache.Stats `json:"cache"`
	InFlight      int          `json:"in_flight"`
	UptimeSeconds int64        `json:"uptime_seconds"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cache.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to read stats", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "stats unavailable", "", requestID(r))
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Cache:         stats,
		InFlight:      s.pipeline.InFlight(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	n := defaultRecentEvents
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeJSONError(w, http.StatusBadRequest, "n must be a positive integer", "", requestID(r))
			return
		}
		n = min(parsed, maxRecentEvents)
	}

	events := []audit.Event{}
	if s.audit != nil {
		if recent := s.audit.Recent(n); recent != nil {
			events = recent
		}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleRepo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed", "", requestID(r))
		return
	}

	raw := r.PathValue("path")
	if p, err := repo.ParsePath(raw); err == nil {
		telemetry.SetKind(r, string(p.Kind))
	}

	resp, err := s.pipeline.Serve(r.Context(), pipeline.Request{
		Path:      raw,
		Method:    r.Method,
		RequestID: requestID(r),
		ClientIP:  clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	telemetry.SetCacheResult(r, resp.CacheResult)
	telemetry.SetOutcome(r, string(pipeline.OutcomeServed))

	h := w.Header()
	h.Set("Content-Type", resp.ContentType)
	h.Set("X-Aptg-Cache", string(resp.CacheResult))
	h.Set("X-Aptg-Verification", string(resp.Verification.Outcome()))
	if !resp.Digest.IsZero() {
		h.Set("ETag", `"`+resp.Digest.String()+`"`)
	}
	if resp.Degraded {
		h.Set("X-Aptg-Degraded", "true")
	}

	if rs, ok := resp.Body.(io.ReadSeeker); ok {
		http.ServeContent(w, r, "", resp.ModTime, rs)
		return
	}

	h.Set("Content-Length", strconv.FormatInt(resp.Size, 10))
	if !resp.ModTime.IsZero() {
		h.Set("Last-Modified", resp.ModTime.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Debug("response copy ended early", "path", raw, "error", err)
	}
}

// StatusFor maps a pipeline outcome to the HTTP status returned to clients.
func StatusFor(outcome pipeline.Outcome) int {
	switch outcome {
	case pipeline.OutcomeServed:
		return http.StatusOK
	case pipeline.OutcomeDenied, pipeline.OutcomeGeoDenied:
		return http.StatusForbidden
	case pipeline.OutcomeRateLimited:
		return http.StatusTooManyRequests
	case pipeline.OutcomeRedirected:
		return http.StatusFound
	case pipeline.OutcomeVerificationFailed, pipeline.OutcomeMalformed:
		return http.StatusUnprocessableEntity
	case pipeline.OutcomeNotFound:
		return http.StatusNotFound
	case pipeline.OutcomeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case pipeline.OutcomeUpstreamError:
		return http.StatusBadGateway
	case pipeline.OutcomeInvalidPath:
		return http.StatusBadRequest
	case pipeline.OutcomeCanceled:
		return statusClientClosed
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	outcome := pipeline.Classify(err)
	telemetry.SetOutcome(r, string(outcome))

	var msg string
	var denied *pipeline.PolicyDeniedError
	var geo *pipeline.GeoBlockedError
	var failed *pipeline.VerificationError
	switch {
	case errors.As(err, &denied):
		msg = denied.Error()
	case errors.As(err, &geo):
		msg = geo.Error()
		switch {
		case geo.Decision.RedirectURL != "":
			w.Header().Set("Location", geo.Decision.RedirectURL)
		case geo.Decision.RetryAfter > 0:
			w.Header().Set("Retry-After", strconv.Itoa(int(geo.Decision.RetryAfter.Seconds())))
		}
	case errors.As(err, &failed):
		msg = failed.Result.String()
	case outcome == pipeline.OutcomeStorageError:
		// Storage details stay in the server log.
		msg = "internal storage error"
	case outcome == pipeline.OutcomeNotFound:
		msg = "not found"
	default:
		msg = err.Error()
	}

	w.Header().Set("X-Aptg-Outcome", string(outcome))
	writeJSONError(w, StatusFor(outcome), msg, string(outcome), requestID(r))
}

type errorResponse struct {
	Error     string `json:"error"`
	Outcome   string `json:"outcome,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSONError(w http.ResponseWriter, status int, msg, outcome, reqID string) {
	writeJSON(w, status, errorResponse{Error: msg, Outcome: outcome, RequestID: reqID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection's remote address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func requestID(r *http.Request) string {
	return telemetry.RequestIDFromContext(r.Context())
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)

		r = telemetry.Tag(r, reqID)
		tags := telemetry.Tags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		status := wrapped.status
		if tags.Outcome == string(pipeline.OutcomeCanceled) {
			status = statusClientClosed
		}
		duration := time.Since(start)

		attrs := []any{
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", status,
			"status_class", telemetry.StatusClass(status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),

			"client_ip", clientIP(r),
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}
		attrs = append(attrs, tags.LogAttrs(strings.HasPrefix(r.URL.Path, RepoPrefix))...)

		s.logger.Info("http request", attrs...)
		telemetry.RecordHTTP(r.Context(), r, status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
