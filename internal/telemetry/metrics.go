// Package telemetry provides OpenTelemetry instrumentation for the sync
// service.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SyncMetricsMeterName is the name used for the sync metrics meter
const SyncMetricsMeterName = "github.com/tallyhq/tally-sync-server/sync"

// SyncMetrics holds the OpenTelemetry instruments for sync run metrics
type SyncMetrics struct {
	runDuration metric.Float64Histogram
	runsTotal   metric.Int64Counter
	itemsTotal  metric.Int64Counter
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter
// provider. If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	runDuration, err := meter.Float64Histogram(
		"tally_sync_run_duration_seconds",
		metric.WithDescription("Duration of sync runs in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		return nil, err
	}

	runsTotal, err := meter.Int64Counter(
		"tally_sync_runs_total",
		metric.WithDescription("Number of sync runs by trigger and final status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	itemsTotal, err := meter.Int64Counter(
		"tally_sync_items_total",
		metric.WithDescription("Number of processed sync items by outcome"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		runDuration: runDuration,
		runsTotal:   runsTotal,
		itemsTotal:  itemsTotal,
	}, nil
}

// RecordRun records the duration and final status of one sync run.
func (m *SyncMetrics) RecordRun(ctx context.Context, trigger, status string, duration time.Duration) {
	if m == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("trigger", trigger),
		attribute.String("status", status),
	}

	m.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.runsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordItem records one processed item by operation and outcome.
func (m *SyncMetrics) RecordItem(ctx context.Context, operation, outcome string) {
	if m == nil {
		return
	}

	m.itemsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}
