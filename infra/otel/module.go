package otelkit

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("otel",
	fx.Provide(
		NewProviders,
		func(p *Providers) (*Metrics, error) { return NewMetrics(p.Meter) },
	),
	fx.Invoke(func(lc fx.Lifecycle, p *Providers) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return p.Shutdown(ctx)
			},
		})
	}),
)
