package middleware_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xraph/choreo/job"
	mw "github.com/xraph/choreo/middleware"
)

func setupTestMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
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

func TestMetrics_RecordsDuration(t *testing.T) {
	reader, mp := setupTestMeter()
	m := mw.MetricsWithMeter(mp.Meter("test"))

	_ = m(context.Background(), timerInfo(), func(_ context.Context) error { return nil })

	metric := findMetric(collectMetrics(t, reader), "choreo.job.duration")
	if metric == nil {
		t.Fatal("choreo.job.duration metric not found")
	}
	hist, ok := metric.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("expected Histogram[float64] data type")
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Fatalf("expected a single observation, got %+v", hist.DataPoints)
	}
}

func TestMetrics_StatusAttribute(t *testing.T) {
	reader, mp := setupTestMeter()
	m := mw.MetricsWithMeter(mp.Meter("test"))

	_ = m(context.Background(), timerInfo(), func(_ context.Context) error { return nil })
	_ = m(context.Background(), timerInfo(), func(_ context.Context) error { return errors.New("transient") })
	_ = m(context.Background(), timerInfo(), func(_ context.Context) error { return job.Fatal(errors.New("bad")) })

	metric := findMetric(collectMetrics(t, reader), "choreo.job.executions")
	if metric == nil {
		t.Fatal("choreo.job.executions metric not found")
	}
	sum, ok := metric.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("expected Sum[int64] data type")
	}

	got := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		status, _ := dp.Attributes.Value(attribute.Key("status"))
		typ, _ := dp.Attributes.Value(attribute.Key("type"))
		if typ.AsString() != string(job.TypeTimer) {
			t.Errorf("type attribute = %q, want TIMER", typ.AsString())
		}
		got[status.AsString()] += dp.Value
	}

	for _, status := range []string{"ok", "retry", "fatal"} {
		if got[status] != 1 {
			t.Errorf("status %q count = %d, want 1", status, got[status])
		}
	}
}
