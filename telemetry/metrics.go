package telemetry

import (
	"context"
	"net/http"
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
	meterName = "github.com/wolfeidau/tiercache"
)

// Tier names used as the "tier" attribute.
const (
	TierMemory   = "memory"
	TierRemote   = "remote"
	TierResponse = "response"
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
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	tierOpsTotal       metric.Int64Counter
	evictionsTotal     metric.Int64Counter
	invalidationsTotal metric.Int64Counter
	sweepDeletedTotal  metric.Int64Counter
	sweepDuration      metric.Float64Histogram
	tierEntries        metric.Int64Gauge

	remoteRequestDuration metric.Float64Histogram
	remoteRequestsTotal   metric.Int64Counter
	remoteBytesTotal      metric.Int64Counter
	remoteAvailable       metric.Int64Gauge

	warmFetchTotal    metric.Int64Counter
	warmFetchDuration metric.Float64Histogram

	originFetchDuration   metric.Float64Histogram
	originFetchTotal      metric.Int64Counter
	originFetchBytesTotal metric.Int64Counter

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
		cfg.ServiceName = "tiercache"
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
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
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

	// If no exporters configured, use a no-op periodic reader to still collect metrics
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

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"tiercache_http_requests_total",
		metric.WithDescription("Total number of admin HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"tiercache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in admin HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"tiercache_http_request_duration_seconds",
		metric.WithDescription("Admin HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.requestsByEndpointTotal, err = meter.Int64Counter(
		"tiercache_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of admin HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.tierOpsTotal, err = meter.Int64Counter(
		"tiercache_tier_operations_total",
		metric.WithDescription("Cache operations per tier and result"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}

	if m.evictionsTotal, err = meter.Int64Counter(
		"tiercache_evictions_total",
		metric.WithDescription("Entries removed to make room or because they expired"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.invalidationsTotal, err = meter.Int64Counter(
		"tiercache_tag_invalidated_entries_total",
		metric.WithDescription("Entries removed by tag invalidation"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.sweepDeletedTotal, err = meter.Int64Counter(
		"tiercache_sweep_deleted_total",
		metric.WithDescription("Expired entries removed by the background sweep"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.sweepDuration, err = meter.Float64Histogram(
		"tiercache_sweep_duration_seconds",
		metric.WithDescription("Duration of expiry sweep passes"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	); err != nil {
		return nil, err
	}

	if m.tierEntries, err = meter.Int64Gauge(
		"tiercache_tier_entries",
		metric.WithDescription("Entries currently held by a tier"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.remoteRequestDuration, err = meter.Float64Histogram(
		"tiercache_remote_request_duration_seconds",
		metric.WithDescription("Duration of remote store operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return nil, err
	}

	if m.remoteRequestsTotal, err = meter.Int64Counter(
		"tiercache_remote_requests_total",
		metric.WithDescription("Total number of remote store operations"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.remoteBytesTotal, err = meter.Int64Counter(
		"tiercache_remote_bytes_total",
		metric.WithDescription("Total bytes transferred in remote store operations"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.remoteAvailable, err = meter.Int64Gauge(
		"tiercache_remote_available",
		metric.WithDescription("1 when the remote tier is reachable, 0 when degraded"),
	); err != nil {
		return nil, err
	}

	if m.warmFetchTotal, err = meter.Int64Counter(
		"tiercache_warm_fetch_total",
		metric.WithDescription("Cache warming fetcher invocations by outcome"),
		metric.WithUnit("{fetch}"),
	); err != nil {
		return nil, err
	}

	if m.warmFetchDuration, err = meter.Float64Histogram(
		"tiercache_warm_fetch_duration_seconds",
		metric.WithDescription("Duration of cache warming fetchers"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return nil, err
	}

	if m.originFetchDuration, err = meter.Float64Histogram(
		"tiercache_origin_fetch_duration_seconds",
		metric.WithDescription("Duration of origin fetches made on response tier misses"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	); err != nil {
		return nil, err
	}

	if m.originFetchTotal, err = meter.Int64Counter(
		"tiercache_origin_fetch_total",
		metric.WithDescription("Total number of origin fetches"),
		metric.WithUnit("{fetch}"),
	); err != nil {
		return nil, err
	}

	if m.originFetchBytesTotal, err = meter.Int64Counter(
		"tiercache_origin_fetch_bytes_total",
		metric.WithDescription("Total bytes read from origin responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
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

// RecordHTTP records admin HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Cache result and endpoint are read from request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {method, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("method", r.Method),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	// Detail metric: only when endpoint is set
	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordTierOp records one cache operation against a tier. result is a
// CacheResult for reads and "ok" or "skipped" for writes.
func RecordTierOp(ctx context.Context, tier, op, result string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tier", tier),
		attribute.String("op", op),
		attribute.String("result", result),
	}
	globalMetrics.tierOpsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordEviction records entries removed for capacity ("capacity") or age ("expired").
func RecordEviction(ctx context.Context, tier, reason string, n int) {
	if globalMetrics == nil || n <= 0 {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tier", tier),
		attribute.String("reason", reason),
	}
	globalMetrics.evictionsTotal.Add(ctx, int64(n), metric.WithAttributes(attrs...))
}

// RecordInvalidation records entries removed by tag invalidation.
func RecordInvalidation(ctx context.Context, tier string, removed int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.invalidationsTotal.Add(ctx, int64(removed),
		metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordSweep records an expiry sweep pass.
func RecordSweep(ctx context.Context, tier string, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("tier", tier))
	globalMetrics.sweepDeletedTotal.Add(ctx, int64(deleted), attrs)
	globalMetrics.sweepDuration.Record(ctx, duration.Seconds(), attrs)
}

// UpdateTierSize records the current number of entries in a tier.
func UpdateTierSize(ctx context.Context, tier string, entries int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.tierEntries.Record(ctx, int64(entries),
		metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordRemoteOp records a remote store operation.
func RecordRemoteOp(ctx context.Context, store, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("store", store),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.remoteRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.remoteRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.remoteBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// SetRemoteAvailable records the remote tier availability flag.
func SetRemoteAvailable(ctx context.Context, available bool) {
	if globalMetrics == nil {
		return
	}
	var v int64
	if available {
		v = 1
	}
	globalMetrics.remoteAvailable.Record(ctx, v)
}

// RecordWarmFetch records one cache warming fetcher run.
func RecordWarmFetch(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.warmFetchTotal.Add(ctx, 1, attrs)
	globalMetrics.warmFetchDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordOriginFetch records a fetch made past the response tier to the origin.
func RecordOriginFetch(ctx context.Context, name string, duration time.Duration, bytes int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("transport", name),
		attribute.String("outcome", outcome),
	)
	globalMetrics.originFetchTotal.Add(ctx, 1, attrs)
	globalMetrics.originFetchDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.originFetchBytesTotal.Add(ctx, bytes, attrs)
	}
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

// StatusClass returns the status class string (2xx, 3xx, 4xx, 5xx) for an HTTP status code.
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a metric exporter that discards all data.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.AggregationDefault{}
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
