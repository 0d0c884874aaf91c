// Package otelkit owns the OpenTelemetry plumbing: a meter provider
// backed by a manual reader (so /statsz can snapshot instruments
// in-process without an export pipeline), and an optional log provider
// that ships slog records to a JSON file through the otelslog bridge.
package otelkit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "github.com/nodebooks/kernel"

type Config struct {
	ServiceName string
	// LogPath enables the OTel log pipeline; empty keeps plain slog.
	LogPath string
}

// Providers bundles the SDK handles the rest of the process needs.
type Providers struct {
	MeterProvider *sdkmetric.MeterProvider
	Meter         metric.Meter
	// Logs is nil unless LogPath is configured.
	Logs *sdklog.LoggerProvider

	reader *sdkmetric.ManualReader
}

func NewProviders(cfg Config) (*Providers, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "nodebooks-kernel"
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
	)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)

	p := &Providers{
		MeterProvider: mp,
		Meter:         mp.Meter(meterName),
		reader:        reader,
	}

	if cfg.LogPath != "" {
		exp, err := newFileLogExporter(cfg.LogPath)
		if err != nil {
			return nil, fmt.Errorf("otel log exporter: %w", err)
		}
		p.Logs = sdklog.NewLoggerProvider(
			sdklog.WithResource(res),
			sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		)
	}

	return p, nil
}

// Collect drains the manual reader into a fresh snapshot.
func (p *Providers) Collect(ctx context.Context) (metricdata.ResourceMetrics, error) {
	var rm metricdata.ResourceMetrics
	err := p.reader.Collect(ctx, &rm)
	return rm, err
}

func (p *Providers) Shutdown(ctx context.Context) error {
	err := p.MeterProvider.Shutdown(ctx)
	if p.Logs != nil {
		if lerr := p.Logs.Shutdown(ctx); err == nil {
			err = lerr
		}
	}
	return err
}
