package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/aptg"
)

var (
	durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	fetchBuckets    = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60}
	backendBuckets  = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	sizeBuckets     = []float64{1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456, 1073741824}
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal          metric.Int64Counter
	responseBytesTotal     metric.Int64Counter
	requestDuration        metric.Float64Histogram
	requestsByOutcomeTotal metric.Int64Counter

	blobWriteSize           metric.Float64Histogram
	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter
	backendRequestDuration  metric.Float64Histogram
	backendRequestsTotal    metric.Int64Counter
	backendBytesTotal       metric.Int64Counter

	verificationsTotal   metric.Int64Counter
	policyDecisionsTotal metric.Int64Counter
	flightsTotal         metric.Int64Counter
	auditEventsTotal     metric.Int64Counter

	reaperDeletedTotal metric.Int64Counter
	reaperDuration     metric.Float64Histogram

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "aptg"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// Without exporters metrics are still collected so Record* stays cheap
	// and consistent.
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// instruments collects the first instrument creation error so newMetrics
// can declare instruments without checking each one.
type instruments struct {
	meter metric.Meter
	err   error
}

func (b *instruments) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil && b.err == nil {
		b.err = err
	}
	return c
}

func (b *instruments) histogram(name, desc, unit string, buckets []float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit(unit),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	if err != nil && b.err == nil {
		b.err = err
	}
	return h
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	b := &instruments{meter: meter}
	m := &Metrics{
		requestsTotal:          b.counter("aptg_http_requests_total", "Total number of HTTP requests", "{request}"),
		responseBytesTotal:     b.counter("aptg_http_response_bytes_total", "Total bytes sent in HTTP responses", "By"),
		requestDuration:        b.histogram("aptg_http_request_duration_seconds", "HTTP request duration in seconds", "s", durationBuckets),
		requestsByOutcomeTotal: b.counter("aptg_http_requests_by_outcome_total", "HTTP requests by pipeline outcome", "{request}"),

		blobWriteSize:           b.histogram("aptg_blob_write_size_bytes", "Size of verified blobs written to the cache", "By", sizeBuckets),
		upstreamFetchDuration:   b.histogram("aptg_upstream_fetch_duration_seconds", "Duration of upstream fetch requests", "s", fetchBuckets),
		upstreamFetchTotal:      b.counter("aptg_upstream_fetch_total", "Total number of upstream fetch requests", "{request}"),
		upstreamFetchBytesTotal: b.counter("aptg_upstream_fetch_bytes_total", "Total bytes fetched from upstream", "By"),
		backendRequestDuration:  b.histogram("aptg_backend_request_duration_seconds", "Duration of backend storage operations", "s", backendBuckets),
		backendRequestsTotal:    b.counter("aptg_backend_requests_total", "Total number of backend storage operations", "{request}"),
		backendBytesTotal:       b.counter("aptg_backend_bytes_total", "Total bytes transferred in backend operations", "By"),

		verificationsTotal:   b.counter("aptg_verifications_total", "Verification results by path kind and outcome", "{verification}"),
		policyDecisionsTotal: b.counter("aptg_policy_decisions_total", "Policy decisions by result and dimension", "{decision}"),
		flightsTotal:         b.counter("aptg_flights_total", "Single-flight fills, split by whether the caller joined an existing flight", "{flight}"),
		auditEventsTotal:     b.counter("aptg_audit_events_total", "Audit events written per sink", "{event}"),

		reaperDeletedTotal: b.counter("aptg_reaper_deleted_total", "Total entries deleted by the reaper", "{entry}"),
		reaperDuration:     b.histogram("aptg_reaper_duration_seconds", "Duration of reaper cycles", "s", append(durationBuckets, 30)),
	}
	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Kind, cache result and outcome are read from request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := Tags(r)

	kind := "none"
	cacheResult := string(CacheBypass)
	outcome := ""
	if tags != nil {
		if tags.Kind != "" {
			kind = tags.Kind
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		outcome = tags.Outcome
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {kind, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	if outcome != "" {
		globalMetrics.requestsByOutcomeTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("outcome", outcome),
		))
	}
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordBlobWrite records a blob write with its size.
func RecordBlobWrite(ctx context.Context, kind string, size int64, isNew bool) {
	if globalMetrics == nil {
		return
	}

	result := "exists"
	if isNew {
		result = "new"
	}

	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("result", result),
	}
	globalMetrics.blobWriteSize.Record(ctx, float64(size), metric.WithAttributes(attrs...))
}

// RecordUpstreamFetch records one upstream round trip.
func RecordUpstreamFetch(ctx context.Context, s FetchSample) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("upstream", s.Upstream),
		attribute.String("kind", s.Kind),
		attribute.String("outcome", s.Outcome),
		attribute.Bool("retry", s.Retry),
	)
	globalMetrics.upstreamFetchDuration.Record(ctx, s.Duration.Seconds(), attrs)
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, attrs)
	if s.Bytes > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, s.Bytes, attrs)
	}
}

// RecordVerification records one verification result.
func RecordVerification(ctx context.Context, kind, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.verificationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

// RecordPolicyDecision records a policy decision. dimension is empty for
// allow decisions.
func RecordPolicyDecision(ctx context.Context, allowed bool, dimension string) {
	if globalMetrics == nil {
		return
	}
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	globalMetrics.policyDecisionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("decision", decision),
		attribute.String("dimension", dimension),
	))
}

// RecordFlight records a caller entering a single-flight fill.
func RecordFlight(ctx context.Context, shared bool) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.flightsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("shared", strconv.FormatBool(shared)),
	))
}

// RecordAuditEvent records an audit event written to a sink.
func RecordAuditEvent(ctx context.Context, sink string, err error) {
	if globalMetrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	globalMetrics.auditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("sink", sink),
		attribute.String("result", result),
	))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// RecordReaperCycle records one reaper phase's deleted count and duration.
// phase is "expired", "capacity" or "orphans".
func RecordReaperCycle(ctx context.Context, phase string, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("phase", phase))
	globalMetrics.reaperDeletedTotal.Add(ctx, int64(deleted), attrs)
	globalMetrics.reaperDuration.Record(ctx, duration.Seconds(), attrs)
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
