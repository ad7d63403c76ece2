package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewSyncMetrics(t *testing.T) {
	t.Parallel()

	t.Run("returns nil when provider is nil", func(t *testing.T) {
		t.Parallel()

		metrics, err := NewSyncMetrics(nil)
		require.NoError(t, err)
		assert.Nil(t, metrics)
	})

	t.Run("creates metrics with SDK provider", func(t *testing.T) {
		t.Parallel()

		mp := sdkmetric.NewMeterProvider()
		defer func() { _ = mp.Shutdown(context.Background()) }()

		metrics, err := NewSyncMetrics(mp)
		require.NoError(t, err)
		assert.NotNil(t, metrics)
		assert.NotNil(t, metrics.runDuration)
		assert.NotNil(t, metrics.runsTotal)
		assert.NotNil(t, metrics.itemsTotal)
	})
}

func TestSyncMetrics_RecordRun(t *testing.T) {
	t.Parallel()

	t.Run("no-op when metrics is nil", func(t *testing.T) {
		t.Parallel()

		var metrics *SyncMetrics
		// Should not panic
		metrics.RecordRun(context.Background(), "SCHEDULED", "COMPLETED", 5*time.Second)
	})

	t.Run("records run duration with attributes", func(t *testing.T) {
		t.Parallel()

		reader := sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		defer func() { _ = mp.Shutdown(context.Background()) }()

		metrics, err := NewSyncMetrics(mp)
		require.NoError(t, err)
		require.NotNil(t, metrics)

		metrics.RecordRun(context.Background(), "SCHEDULED", "COMPLETED", 2500*time.Millisecond)
		metrics.RecordRun(context.Background(), "MANUAL", "FAILED", 500*time.Millisecond)

		var rm metricdata.ResourceMetrics
		err = reader.Collect(context.Background(), &rm)
		require.NoError(t, err)

		require.NotEmpty(t, rm.ScopeMetrics)

		var foundScope bool
		for _, scope := range rm.ScopeMetrics {
			if scope.Scope.Name == SyncMetricsMeterName {
				foundScope = true
				assert.NotEmpty(t, scope.Metrics)

				for _, m := range scope.Metrics {
					if m.Name == "tally_sync_run_duration_seconds" {
						_, ok := m.Data.(metricdata.Histogram[float64])
						assert.True(t, ok, "expected histogram data type")
					}
				}
			}
		}
		assert.True(t, foundScope, "expected to find sync metrics scope")
	})

	t.Run("records duration in seconds", func(t *testing.T) {
		t.Parallel()

		reader := sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		defer func() { _ = mp.Shutdown(context.Background()) }()

		metrics, err := NewSyncMetrics(mp)
		require.NoError(t, err)

		metrics.RecordRun(context.Background(), "SCHEDULED", "COMPLETED", 1500*time.Millisecond)

		var rm metricdata.ResourceMetrics
		err = reader.Collect(context.Background(), &rm)
		require.NoError(t, err)

		for _, scope := range rm.ScopeMetrics {
			if scope.Scope.Name == SyncMetricsMeterName {
				for _, m := range scope.Metrics {
					if m.Name == "tally_sync_run_duration_seconds" {
						hist, ok := m.Data.(metricdata.Histogram[float64])
						require.True(t, ok)
						require.NotEmpty(t, hist.DataPoints)
						assert.InDelta(t, 1.5, hist.DataPoints[0].Sum, 0.001)
					}
				}
			}
		}
	})
}

func TestSyncMetrics_RecordItem(t *testing.T) {
	t.Parallel()

	t.Run("no-op when metrics is nil", func(t *testing.T) {
		t.Parallel()

		var metrics *SyncMetrics
		metrics.RecordItem(context.Background(), "created", "SUCCESS")
	})

	t.Run("counts items per operation and outcome", func(t *testing.T) {
		t.Parallel()

		reader := sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
		defer func() { _ = mp.Shutdown(context.Background()) }()

		metrics, err := NewSyncMetrics(mp)
		require.NoError(t, err)

		metrics.RecordItem(context.Background(), "created", "SUCCESS")
		metrics.RecordItem(context.Background(), "created", "SUCCESS")
		metrics.RecordItem(context.Background(), "render_failed", "ERROR")

		var rm metricdata.ResourceMetrics
		err = reader.Collect(context.Background(), &rm)
		require.NoError(t, err)

		var total int64
		for _, scope := range rm.ScopeMetrics {
			if scope.Scope.Name != SyncMetricsMeterName {
				continue
			}
			for _, m := range scope.Metrics {
				if m.Name == "tally_sync_items_total" {
					sum, ok := m.Data.(metricdata.Sum[int64])
					require.True(t, ok, "expected sum data type")
					for _, dp := range sum.DataPoints {
						total += dp.Value
					}
				}
			}
		}
		assert.Equal(t, int64(3), total)
	})
}
