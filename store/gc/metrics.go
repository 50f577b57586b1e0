package gc

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds reconciliation OpenTelemetry metric instruments.
type Metrics struct {
	runsTotal            metric.Int64Counter
	runDuration          metric.Float64Histogram
	expiredMetaDeleted   metric.Int64Counter
	orphanContentDeleted metric.Int64Counter
	orphanMetaDeleted    metric.Int64Counter
	bytesReclaimed       metric.Int64Counter
	errorsTotal          metric.Int64Counter
	lastRunTimestamp     metric.Float64Gauge
	lastRunSuccess       metric.Float64Gauge
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	runsTotal, err := meter.Int64Counter(
		"strategy_cache_reconcile_runs_total",
		metric.WithDescription("Total number of reconciliation runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"strategy_cache_reconcile_run_duration_seconds",
		metric.WithDescription("Reconciliation run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	orphanContentDeleted, err := meter.Int64Counter(
		"strategy_cache_reconcile_orphan_content_deleted_total",
		metric.WithDescription("Total number of content entries deleted because no metadata referenced them"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	orphanMetaDeleted, err := meter.Int64Counter(
		"strategy_cache_reconcile_orphan_meta_deleted_total",
		metric.WithDescription("Total number of metadata records deleted because their content was gone"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	expiredMetaDeleted, err := meter.Int64Counter(
		"strategy_cache_reconcile_expired_meta_deleted_total",
		metric.WithDescription("Total number of expired metadata entries deleted"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	bytesReclaimed, err := meter.Int64Counter(
		"strategy_cache_reconcile_bytes_reclaimed_total",
		metric.WithDescription("Total bytes reclaimed by reconciliation"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	errorsTotal, err := meter.Int64Counter(
		"strategy_cache_reconcile_errors_total",
		metric.WithDescription("Total number of reconciliation errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	lastRunTimestamp, err := meter.Float64Gauge(
		"strategy_cache_reconcile_last_run_timestamp_seconds",
		metric.WithDescription("Unix timestamp of last reconciliation run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastRunSuccess, err := meter.Float64Gauge(
		"strategy_cache_reconcile_last_run_success",
		metric.WithDescription("Whether last reconciliation run was successful (1=success, 0=failure)"),
		metric.WithUnit("{status}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runsTotal:            runsTotal,
		runDuration:          runDuration,
		expiredMetaDeleted:   expiredMetaDeleted,
		orphanContentDeleted: orphanContentDeleted,
		orphanMetaDeleted:    orphanMetaDeleted,
		bytesReclaimed:       bytesReclaimed,
		errorsTotal:          errorsTotal,
		lastRunTimestamp:     lastRunTimestamp,
		lastRunSuccess:       lastRunSuccess,
	}, nil
}
