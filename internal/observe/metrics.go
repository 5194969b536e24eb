// Package observe wires the agent to OpenTelemetry. Instruments are created from
// the global providers, which are no-ops unless the host installs an SDK.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/floegence/flowerpilot"

// Metrics holds the instruments recorded by the transport, the tool executor
// and the orchestration loop.
type Metrics struct {
	// TransportAttempts counts HTTP attempts. Attributes: protocol, status.
	TransportAttempts metric.Int64Counter

	// ToolCalls counts tool executions. Attributes: tool, status.
	ToolCalls metric.Int64Counter

	// ToolDuration tracks tool execution latency in seconds.
	ToolDuration metric.Float64Histogram

	// RoundDuration tracks one request/stream/execute round in seconds.
	RoundDuration metric.Float64Histogram
}

var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TransportAttempts, err = m.Int64Counter("flowerpilot.transport.attempts",
		metric.WithDescription("HTTP attempts made by the transport, by protocol and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("flowerpilot.tool.calls",
		metric.WithDescription("Tool executions by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("flowerpilot.tool.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RoundDuration, err = m.Float64Histogram("flowerpilot.round.duration",
		metric.WithDescription("Latency of one model round including tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a shared instance built from otel.GetMeterProvider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func (m *Metrics) RecordTransportAttempt(ctx context.Context, protocol, status string) {
	if m == nil {
		return
	}
	m.TransportAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("protocol", protocol),
			attribute.String("status", status),
		),
	)
}

func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *Metrics) RecordRound(ctx context.Context, protocol, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RoundDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(
			attribute.String("protocol", protocol),
			attribute.String("outcome", outcome),
		),
	)
}
