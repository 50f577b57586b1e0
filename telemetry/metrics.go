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
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/wolfeidau/strategy-cache"
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
	requestsTotal      metric.Int64Counter
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram

	cacheLookupsTotal       metric.Int64Counter
	strategyResolutions     metric.Int64Counter
	strategyDuration        metric.Float64Histogram
	contentWriteSize        metric.Float64Histogram
	invalidatedKeysTotal    metric.Int64Counter
	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter
	backendRequestDuration  metric.Float64Histogram
	backendRequestsTotal    metric.Int64Counter
	backendBytesTotal       metric.Int64Counter

	reaperDeletedTotal metric.Int64Counter
	reaperDuration     metric.Float64Histogram

	quotaUsedBytes        metric.Int64Gauge
	quotaLimitBytes       metric.Int64Gauge
	quotaUsagePercent     metric.Float64Gauge
	cleanupRunsTotal      metric.Int64Counter
	cleanupRunDuration    metric.Float64Histogram
	cleanupRemovedTotal   metric.Int64Counter
	cleanupBytesFreed     metric.Int64Counter
	offlineReplaysTotal   metric.Int64Counter
	offlineReplayDuration metric.Float64Histogram
	offlineQueueDepth     metric.Int64Gauge
	alertsTotal           metric.Int64Counter
	healthScore           metric.Float64Gauge

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
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

// Meter returns the meter used for component-owned instruments.
// It resolves through the global provider, so it is a no-op meter until
// InitMetrics has run.
func Meter() metric.Meter {
	return otel.Meter(meterName)
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "strategy-cache"
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

	// Without an exporter the instruments still need a reader to aggregate into.
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

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"strategy_cache_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"strategy_cache_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"strategy_cache_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.cacheLookupsTotal, err = meter.Int64Counter(
		"strategy_cache_lookups_total",
		metric.WithDescription("Cache lookups by cache type and result"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}

	if m.strategyResolutions, err = meter.Int64Counter(
		"strategy_cache_resolutions_total",
		metric.WithDescription("Strategy resolutions by mode and response source"),
		metric.WithUnit("{resolution}"),
	); err != nil {
		return nil, err
	}

	if m.strategyDuration, err = meter.Float64Histogram(
		"strategy_cache_resolution_duration_seconds",
		metric.WithDescription("Time to resolve a request through a caching strategy"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.contentWriteSize, err = meter.Float64Histogram(
		"strategy_cache_content_write_size_bytes",
		metric.WithDescription("Size of responses written to content stores"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 512, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216),
	); err != nil {
		return nil, err
	}

	if m.invalidatedKeysTotal, err = meter.Int64Counter(
		"strategy_cache_invalidated_keys_total",
		metric.WithDescription("Cache keys removed by tag invalidation"),
		metric.WithUnit("{key}"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchDuration, err = meter.Float64Histogram(
		"strategy_cache_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of network fetches"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchTotal, err = meter.Int64Counter(
		"strategy_cache_upstream_fetch_total",
		metric.WithDescription("Total number of network fetches"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchBytesTotal, err = meter.Int64Counter(
		"strategy_cache_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from the network"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.backendRequestDuration, err = meter.Float64Histogram(
		"strategy_cache_backend_request_duration_seconds",
		metric.WithDescription("Duration of storage backend operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	); err != nil {
		return nil, err
	}

	if m.backendRequestsTotal, err = meter.Int64Counter(
		"strategy_cache_backend_requests_total",
		metric.WithDescription("Total number of storage backend operations"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.backendBytesTotal, err = meter.Int64Counter(
		"strategy_cache_backend_bytes_total",
		metric.WithDescription("Total bytes moved through the storage backend"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.reaperDeletedTotal, err = meter.Int64Counter(
		"strategy_cache_reaper_deleted_total",
		metric.WithDescription("Expired entries removed by the expiry reaper"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.reaperDuration, err = meter.Float64Histogram(
		"strategy_cache_reaper_cycle_duration_seconds",
		metric.WithDescription("Duration of expiry reaper cycles"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.quotaUsedBytes, err = meter.Int64Gauge(
		"strategy_cache_quota_used_bytes",
		metric.WithDescription("Storage used as reported by the last quota check"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.quotaLimitBytes, err = meter.Int64Gauge(
		"strategy_cache_quota_limit_bytes",
		metric.WithDescription("Storage quota as reported by the last quota check"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.quotaUsagePercent, err = meter.Float64Gauge(
		"strategy_cache_quota_usage_percent",
		metric.WithDescription("Percentage of the storage quota in use"),
		metric.WithUnit("%"),
	); err != nil {
		return nil, err
	}

	if m.cleanupRunsTotal, err = meter.Int64Counter(
		"strategy_cache_cleanup_runs_total",
		metric.WithDescription("Proactive cleanup runs"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, err
	}

	if m.cleanupRunDuration, err = meter.Float64Histogram(
		"strategy_cache_cleanup_run_duration_seconds",
		metric.WithDescription("Proactive cleanup duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60),
	); err != nil {
		return nil, err
	}

	if m.cleanupRemovedTotal, err = meter.Int64Counter(
		"strategy_cache_cleanup_removed_total",
		metric.WithDescription("Entries removed by cleanup stage"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.cleanupBytesFreed, err = meter.Int64Counter(
		"strategy_cache_cleanup_bytes_freed_total",
		metric.WithDescription("Bytes freed by cleanup stage"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.offlineReplaysTotal, err = meter.Int64Counter(
		"strategy_cache_offline_replays_total",
		metric.WithDescription("Offline action replay attempts by kind and outcome"),
		metric.WithUnit("{action}"),
	); err != nil {
		return nil, err
	}

	if m.offlineReplayDuration, err = meter.Float64Histogram(
		"strategy_cache_offline_replay_duration_seconds",
		metric.WithDescription("Duration of offline action replays"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.offlineQueueDepth, err = meter.Int64Gauge(
		"strategy_cache_offline_queue_depth",
		metric.WithDescription("Offline actions by status"),
		metric.WithUnit("{action}"),
	); err != nil {
		return nil, err
	}

	if m.alertsTotal, err = meter.Int64Counter(
		"strategy_cache_alerts_total",
		metric.WithDescription("Performance alerts raised by type and severity"),
		metric.WithUnit("{alert}"),
	); err != nil {
		return nil, err
	}

	if m.healthScore, err = meter.Float64Gauge(
		"strategy_cache_health_score",
		metric.WithDescription("Composite cache health score between 0 and 100"),
		metric.WithUnit("1"),
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

// RecordHTTP records HTTP request metrics.
// Route and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	route := "unknown"
	cacheResult := string(CacheBypass)
	if tags := GetTags(r); tags != nil {
		if tags.Endpoint != "" {
			route = tags.Endpoint
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
	}

	attrs := metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("status_class", StatusClass(status)),
		attribute.String("cache_result", cacheResult),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, attrs)
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, attrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCacheLookup records a hit or miss for a cache type.
func RecordCacheLookup(ctx context.Context, cacheType string, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cache_type", cacheType),
		attribute.String("result", string(result)),
	))
}

// RecordStrategyResolution records how a strategy resolved a request.
// source is "network", "cache" or "none".
func RecordStrategyResolution(ctx context.Context, mode, source string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("source", source),
		attribute.String("category", CategoryFromContext(ctx)),
	)
	globalMetrics.strategyResolutions.Add(ctx, 1, attrs)
	globalMetrics.strategyDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordContentWrite records the encoded size of a response written to a store.
func RecordContentWrite(ctx context.Context, store string, size int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.contentWriteSize.Record(ctx, float64(size), metric.WithAttributes(attribute.String("store", store)))
}

// RecordInvalidation records keys removed by a tag invalidation.
func RecordInvalidation(ctx context.Context, source string, keys int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.invalidatedKeysTotal.Add(ctx, int64(keys), metric.WithAttributes(attribute.String("source", source)))
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.backendRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, attrs)
	}
}

// RecordUpstreamFetch records a network fetch made on behalf of a strategy.
func RecordUpstreamFetch(ctx context.Context, category string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("category", category),
		attribute.String("outcome", outcome),
	)
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), attrs)
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, attrs)
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, attrs)
	}
}

// RecordReaperCycle records one reaper cycle's deleted count and duration.
func RecordReaperCycle(ctx context.Context, reaper string, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("reaper", reaper))
	globalMetrics.reaperDeletedTotal.Add(ctx, int64(deleted), attrs)
	globalMetrics.reaperDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordQuota records the outcome of a quota check.
func RecordQuota(ctx context.Context, usedBytes, quotaBytes int64, percentage float64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.quotaUsedBytes.Record(ctx, usedBytes)
	globalMetrics.quotaLimitBytes.Record(ctx, quotaBytes)
	globalMetrics.quotaUsagePercent.Record(ctx, percentage)
}

// RecordCleanupStage records what one cleanup stage removed.
// stage is "expired", "lru" or "purge".
func RecordCleanupStage(ctx context.Context, stage string, removed int, bytesFreed int64) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("stage", stage))
	globalMetrics.cleanupRemovedTotal.Add(ctx, int64(removed), attrs)
	if bytesFreed > 0 {
		globalMetrics.cleanupBytesFreed.Add(ctx, bytesFreed, attrs)
	}
}

// RecordCleanupRun records a finished proactive cleanup.
func RecordCleanupRun(ctx context.Context, aggressive, targetReached bool, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.Bool("aggressive", aggressive),
		attribute.Bool("target_reached", targetReached),
	)
	globalMetrics.cleanupRunsTotal.Add(ctx, 1, attrs)
	globalMetrics.cleanupRunDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordOfflineReplay records one replay attempt.
// outcome is "success", "retry" or "failed".
func RecordOfflineReplay(ctx context.Context, kind, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	)
	globalMetrics.offlineReplaysTotal.Add(ctx, 1, attrs)
	globalMetrics.offlineReplayDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordOfflineQueueDepth records the queue size by status.
func RecordOfflineQueueDepth(ctx context.Context, pending, failed int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.offlineQueueDepth.Record(ctx, int64(pending), metric.WithAttributes(attribute.String("status", "pending")))
	globalMetrics.offlineQueueDepth.Record(ctx, int64(failed), metric.WithAttributes(attribute.String("status", "failed")))
}

// RecordAlert records a raised performance alert.
func RecordAlert(ctx context.Context, alertType, severity string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.alertsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", alertType),
		attribute.String("severity", severity),
	))
}

// RecordHealthScore records the latest composite health score.
func RecordHealthScore(ctx context.Context, score float64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.healthScore.Record(ctx, score)
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
