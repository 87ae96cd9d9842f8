package sweeper

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds sweeper OpenTelemetry metric instruments.
type Metrics struct {
	runsTotal          metric.Int64Counter
	runDuration        metric.Float64Histogram
	ledgerBlobsDeleted metric.Int64Counter
	recordBlobsDeleted metric.Int64Counter
	orphanBlobsDeleted metric.Int64Counter
	errorsTotal        metric.Int64Counter
	lastRunTimestamp   metric.Float64Gauge
	lastRunSuccess     metric.Float64Gauge
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	runsTotal, err := meter.Int64Counter(
		"selectify_sweeper_runs_total",
		metric.WithDescription("Total number of sweeper runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"selectify_sweeper_run_duration_seconds",
		metric.WithDescription("Sweeper run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	ledgerBlobsDeleted, err := meter.Int64Counter(
		"selectify_sweeper_ledger_blobs_deleted_total",
		metric.WithDescription("Total number of blobs deleted because their ledger entry was due"),
		metric.WithUnit("{blob}"),
	)
	if err != nil {
		return nil, err
	}

	recordBlobsDeleted, err := meter.Int64Counter(
		"selectify_sweeper_record_blobs_deleted_total",
		metric.WithDescription("Total number of blobs deleted for photo records past retention"),
		metric.WithUnit("{blob}"),
	)
	if err != nil {
		return nil, err
	}

	orphanBlobsDeleted, err := meter.Int64Counter(
		"selectify_sweeper_orphan_blobs_deleted_total",
		metric.WithDescription("Total number of orphan blobs deleted (stored but not in the ledger)"),
		metric.WithUnit("{blob}"),
	)
	if err != nil {
		return nil, err
	}

	errorsTotal, err := meter.Int64Counter(
		"selectify_sweeper_errors_total",
		metric.WithDescription("Total number of sweeper errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	lastRunTimestamp, err := meter.Float64Gauge(
		"selectify_sweeper_last_run_timestamp_seconds",
		metric.WithDescription("Unix timestamp of last sweeper run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastRunSuccess, err := meter.Float64Gauge(
		"selectify_sweeper_last_run_success",
		metric.WithDescription("Whether last sweeper run was successful (1=success, 0=failure)"),
		metric.WithUnit("{status}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runsTotal:          runsTotal,
		runDuration:        runDuration,
		ledgerBlobsDeleted: ledgerBlobsDeleted,
		recordBlobsDeleted: recordBlobsDeleted,
		orphanBlobsDeleted: orphanBlobsDeleted,
		errorsTotal:        errorsTotal,
		lastRunTimestamp:   lastRunTimestamp,
		lastRunSuccess:     lastRunSuccess,
	}, nil
}
