package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func findMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) *metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestRecordToolCall(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordToolCall(ctx, "get_page", "success", 20*time.Millisecond)
	m.RecordToolCall(ctx, "get_page", "success", 30*time.Millisecond)
	m.RecordToolCall(ctx, "get_page", "error", time.Millisecond)

	got := findMetric(t, reader, "flowerpilot.tool.calls")
	if got == nil {
		t.Fatalf("metric not found")
	}
	sum, ok := got.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("data=%T, want Sum[int64]", got.Data)
	}
	counts := map[string]int64{}
	for _, dp := range sum.DataPoints {
		status, _ := dp.Attributes.Value(attribute.Key("status"))
		counts[status.AsString()] += dp.Value
	}
	if counts["success"] != 2 || counts["error"] != 1 {
		t.Fatalf("counts=%v, want success=2 error=1", counts)
	}
}

func TestRecordTransportAttempt(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordTransportAttempt(context.Background(), "responses", "503")

	got := findMetric(t, reader, "flowerpilot.transport.attempts")
	if got == nil {
		t.Fatalf("metric not found")
	}
	sum := got.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Fatalf("datapoints=%+v, want one point with value 1", sum.DataPoints)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordRound(context.Background(), "messages", "done", time.Second)
	m.RecordToolCall(context.Background(), "x", "success", time.Second)
	m.RecordTransportAttempt(context.Background(), "x", "200")
}
