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

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumOf(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func newTestARMetrics(t *testing.T) (*ARMetrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewARMetrics(mp.Meter("test"))
	require.NoError(t, err)
	return m, reader
}

func TestARMetrics_Book(t *testing.T) {
	m, reader := newTestARMetrics(t)
	ctx := context.Background()

	m.RecordBookBuilt(ctx, 12, false, 30*time.Millisecond)
	m.RecordBookBuilt(ctx, 0, true, 5*time.Millisecond)
	m.RecordMissingRate(ctx, "SGD")

	metrics := collect(t, reader)
	assert.Equal(t, int64(2), sumOf(t, metrics["ar_book.builds"]))
	assert.Equal(t, int64(1), sumOf(t, metrics["ar_book.missing_rates"]))

	rows, ok := metrics["ar_book.rows"].Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	var count uint64
	var total int64
	for _, dp := range rows.DataPoints {
		count += dp.Count
		total += dp.Sum
	}
	assert.Equal(t, uint64(2), count)
	assert.Equal(t, int64(12), total)
}

func TestARMetrics_Verification(t *testing.T) {
	m, reader := newTestARMetrics(t)
	ctx := context.Background()

	m.RecordSessionOpened(ctx, "IDR")
	m.RecordPosted(ctx, "IDR", -0.5)
	m.RecordPostRejected(ctx, "VALIDATION_ERROR")
	m.RecordPostRejected(ctx, "ALREADY_POSTED")

	metrics := collect(t, reader)
	assert.Equal(t, int64(1), sumOf(t, metrics["ar_verification.sessions_opened"]))
	assert.Equal(t, int64(1), sumOf(t, metrics["ar_verification.postings"]))
	assert.Equal(t, int64(2), sumOf(t, metrics["ar_verification.post_rejections"]))

	variance, ok := metrics["ar_verification.variance"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, variance.DataPoints, 1)
	assert.InDelta(t, 0.5, variance.DataPoints[0].Sum, 1e-9)
}
