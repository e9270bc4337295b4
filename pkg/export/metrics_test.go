// Tests for MetricObserver that derives flush and upload metrics.
// Uses the OTel SDK ManualReader to verify metric data points.
package export

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/andrewh/spanvault/pkg/upload"
)

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func newTestMetricObserver(t *testing.T) (*MetricObserver, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	obs, err := NewMetricObserver(mp)
	require.NoError(t, err)
	return obs, reader
}

func TestMetricObserverFlushCount(t *testing.T) {
	t.Parallel()

	obs, reader := newTestMetricObserver(t)
	obs.ObserveFlush(FlushInfo{Trigger: TriggerRoot, Spans: 3, Encoded: 3, Key: "k1"})
	obs.ObserveFlush(FlushInfo{Trigger: TriggerRoot, Spans: 2, Encoded: 2, Key: "k2"})
	obs.ObserveFlush(FlushInfo{Trigger: TriggerExpiry, Spans: 1})

	m := findMetric(collectMetrics(t, reader), "spanvault.flush.count")
	require.NotNil(t, m, "spanvault.flush.count metric should exist")
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "flush count should be a Sum[int64]")
	require.Len(t, sum.DataPoints, 2)

	byOutcome := map[string]int64{}
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key("outcome"))
		byOutcome[v.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]int64{"uploaded": 2, "empty": 1}, byOutcome)
}

func TestMetricObserverSpansAndDuration(t *testing.T) {
	t.Parallel()

	obs, reader := newTestMetricObserver(t)
	obs.ObserveFlush(FlushInfo{Trigger: TriggerFlush, Spans: 5, Encoded: 4, Key: "k", Duration: 40 * time.Millisecond})

	rm := collectMetrics(t, reader)
	spans := findMetric(rm, "spanvault.flush.spans")
	require.NotNil(t, spans)
	sum, ok := spans.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(4), sum.DataPoints[0].Value)

	duration := findMetric(rm, "spanvault.upload.duration")
	require.NotNil(t, duration)
	hist, ok := duration.Data.(metricdata.Histogram[float64])
	require.True(t, ok, "duration should be a Histogram[float64]")
	require.Len(t, hist.DataPoints, 1)
	assert.InDelta(t, 40.0, hist.DataPoints[0].Sum, 0.1)
}

func TestMetricObserverUploadErrors(t *testing.T) {
	t.Parallel()

	obs, reader := newTestMetricObserver(t)
	obs.ObserveFlush(FlushInfo{
		Trigger: TriggerRoot,
		Key:     "k",
		Err:     &upload.Error{Class: upload.ClassFatal, Err: errors.New("403")},
	})

	rm := collectMetrics(t, reader)
	m := findMetric(rm, "spanvault.upload.errors")
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(1), sum.DataPoints[0].Value)
	class, ok := sum.DataPoints[0].Attributes.Value(attribute.Key("error.class"))
	require.True(t, ok)
	assert.Equal(t, "fatal", class.AsString())

	assert.Nil(t, findMetric(rm, "spanvault.flush.spans"), "failed uploads write no spans")
}
