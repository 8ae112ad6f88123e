package oteladapters_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/twintalk/twintalk-go/eventstore/oteladapters"
)

func newTestCollector(t *testing.T) (*oteladapters.MetricsCollector, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return oteladapters.NewMetricsCollector(provider.Meter("test")), reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var resourceMetrics metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &resourceMetrics))
	return resourceMetrics
}

func findMetric(t *testing.T, resourceMetrics metricdata.ResourceMetrics, name string) metricdata.Metrics {
	t.Helper()
	for _, scopeMetrics := range resourceMetrics.ScopeMetrics {
		for _, m := range scopeMetrics.Metrics {
			if m.Name == name {
				return m
			}
		}
	}
	t.Fatalf("metric %q not found", name)
	return metricdata.Metrics{}
}

func TestMetricsCollector_RecordDuration(t *testing.T) {
	collector, reader := newTestCollector(t)

	collector.RecordDuration("eventstore_append_duration", 150*time.Millisecond,
		map[string]string{"engine": "sqlite"})

	m := findMetric(t, collectMetrics(t, reader), "eventstore_append_duration")
	histogram, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, histogram.DataPoints, 1)
	assert.Equal(t, uint64(1), histogram.DataPoints[0].Count)
	assert.InDelta(t, 0.15, histogram.DataPoints[0].Sum, 0.001)
}

func TestMetricsCollector_IncrementCounter(t *testing.T) {
	collector, reader := newTestCollector(t)

	for i := 0; i < 3; i++ {
		collector.IncrementCounter("eventstore_sequence_conflicts",
			map[string]string{"engine": "postgres"})
	}

	m := findMetric(t, collectMetrics(t, reader), "eventstore_sequence_conflicts")
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(3), sum.DataPoints[0].Value)
}

func TestMetricsCollector_RecordValue(t *testing.T) {
	collector, reader := newTestCollector(t)

	collector.RecordValue("registry_resident_twins", 42, nil)
	collector.RecordValue("registry_resident_twins", 17, nil)

	m := findMetric(t, collectMetrics(t, reader), "registry_resident_twins")
	gauge, ok := m.Data.(metricdata.Gauge[float64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, 17.0, gauge.DataPoints[0].Value)
}
