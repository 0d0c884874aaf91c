package otelkit

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func outcomeSum(t *testing.T, m metricdata.Metrics, outcome string) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s data = %T", m.Name, m.Data)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key("outcome")); ok && v.AsString() == outcome {
			return dp.Value
		}
	}
	return 0
}

func TestMetricsSnapshotThroughManualReader(t *testing.T) {
	p, err := NewProviders(Config{ServiceName: "kernel-test"})
	if err != nil {
		t.Fatalf("providers: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	ctx := context.Background()
	m.RecordJob(ctx, "ok", 12)
	m.RecordJob(ctx, "ok", 30)
	m.RecordJob(ctx, "timeout", 500)
	m.RecordFrame(ctx, "stream", 6)
	m.RecordFrame(ctx, "status", 30)
	m.RecordProtocolError(ctx)
	m.RecordRespawn(ctx)

	rm, err := p.Collect(ctx)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	jobs, ok := findMetric(rm, "kernel.jobs")
	if !ok {
		t.Fatal("kernel.jobs not collected")
	}
	if got := outcomeSum(t, jobs, "ok"); got != 2 {
		t.Fatalf("ok jobs = %d, want 2", got)
	}
	if got := outcomeSum(t, jobs, "timeout"); got != 1 {
		t.Fatalf("timeout jobs = %d, want 1", got)
	}

	// Only stream frames count bytes.
	bytesM, ok := findMetric(rm, "kernel.stream.bytes")
	if !ok {
		t.Fatal("kernel.stream.bytes not collected")
	}
	sum := bytesM.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 6 {
		t.Fatalf("stream bytes = %+v", sum.DataPoints)
	}

	dur, ok := findMetric(rm, "kernel.job.duration")
	if !ok {
		t.Fatal("kernel.job.duration not collected")
	}
	hist, ok := dur.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("duration data = %T", dur.Data)
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 3 {
		t.Fatalf("duration samples = %d, want 3", count)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordJob(ctx, "ok", 1)
	m.RecordFrame(ctx, "stream", 1)
	m.RecordProtocolError(ctx)
	m.RecordRespawn(ctx)
}

func TestOtelslogBridgeWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.log")
	p, err := NewProviders(Config{ServiceName: "kernel-test", LogPath: path})
	if err != nil {
		t.Fatalf("providers: %v", err)
	}
	if p.Logs == nil {
		t.Fatal("log provider not built")
	}

	logger := slog.New(otelslog.NewHandler("kernel", otelslog.WithLoggerProvider(p.Logs)))
	logger.Info("job finished", "job_id", "j1", "outcome", "ok")

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("nothing exported")
	}
	var line logLine
	if err := json.Unmarshal(raw[:len(raw)-1], &line); err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	if line.Body != "job finished" {
		t.Fatalf("body = %v", line.Body)
	}
	if line.Attrs["job_id"] != "j1" || line.Attrs["outcome"] != "ok" {
		t.Fatalf("attrs = %v", line.Attrs)
	}
	if line.Severity == "" || line.TS == "" {
		t.Fatalf("line = %+v", line)
	}
}
