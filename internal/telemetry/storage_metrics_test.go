package internaltelemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if data, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	return sums
}

func TestBufferPoolMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewBufferPoolMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.HitCounter.Add(ctx, 3)
	m.MissCounter.Add(ctx, 1)
	m.CachedPagesUpDownCounter.Add(ctx, 2)
	m.CachedPagesUpDownCounter.Add(ctx, -1)

	sums := collect(t, reader)
	require.Equal(t, int64(3), sums["gojostore.bufferpool.hits_total"])
	require.Equal(t, int64(1), sums["gojostore.bufferpool.misses_total"])
	require.Equal(t, int64(1), sums["gojostore.bufferpool.cached_pages"])
}

func TestMetricsWithoutMeter(t *testing.T) {
	bp, err := NewBufferPoolMetrics(nil)
	require.NoError(t, err)
	bp.EvictionCounter.Add(context.Background(), 1)

	lm, err := NewLockMetrics(nil)
	require.NoError(t, err)
	lm.DeadlockCounter.Add(context.Background(), 1)
}
