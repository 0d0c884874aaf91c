package otelkit

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the kernel's instruments. A nil *Metrics is a valid
// no-op receiver so tests can skip the meter entirely.
type Metrics struct {
	framesRelayed  metric.Int64Counter
	streamBytes    metric.Int64Counter
	protocolErrors metric.Int64Counter
	jobs           metric.Int64Counter
	jobDuration    metric.Float64Histogram
	poolRespawns   metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var err error

	if m.framesRelayed, err = meter.Int64Counter("kernel.frames.relayed",
		metric.WithDescription("Server frames written to subscribers, by frame kind."),
	); err != nil {
		return nil, err
	}
	if m.streamBytes, err = meter.Int64Counter("kernel.stream.bytes",
		metric.WithDescription("Bytes of stdout/stderr text relayed to subscribers."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if m.protocolErrors, err = meter.Int64Counter("kernel.protocol.errors",
		metric.WithDescription("Frames rejected as malformed, on either the client or the worker stream."),
	); err != nil {
		return nil, err
	}
	if m.jobs, err = meter.Int64Counter("kernel.jobs",
		metric.WithDescription("Finished jobs, by terminal outcome."),
	); err != nil {
		return nil, err
	}
	if m.jobDuration, err = meter.Float64Histogram("kernel.job.duration",
		metric.WithDescription("Dispatch-to-terminal job latency."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.poolRespawns, err = meter.Int64Counter("kernel.pool.respawns",
		metric.WithDescription("Workers replaced after a crash or failed probe."),
	); err != nil {
		return nil, err
	}

	return &m, nil
}

// RecordFrame counts one outbound frame; stream frames also feed the
// byte counter.
func (m *Metrics) RecordFrame(ctx context.Context, kind string, size int) {
	if m == nil {
		return
	}
	m.framesRelayed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	if kind == "stream" {
		m.streamBytes.Add(ctx, int64(size))
	}
}

func (m *Metrics) RecordProtocolError(ctx context.Context) {
	if m == nil {
		return
	}
	m.protocolErrors.Add(ctx, 1)
}

func (m *Metrics) RecordJob(ctx context.Context, outcome string, durationMs int64) {
	if m == nil {
		return
	}
	m.jobs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.jobDuration.Record(ctx, float64(durationMs), metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordRespawn(ctx context.Context) {
	if m == nil {
		return
	}
	m.poolRespawns.Add(ctx, 1)
}
