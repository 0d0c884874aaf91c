package service

import (
	"log/slog"

	"go.uber.org/fx"
)

var Module = fx.Module(
	"service",

	fx.Provide(
		fx.Annotate(
			NewKernelService,
			fx.As(new(Kerneler)),
		),
	),

	// [DECORATION_LAYER] Intercept Kerneler to add cross-cutting concerns
	fx.Decorate(func(orig Kerneler, logger *slog.Logger) Kerneler {
		return &KernelMiddleware{
			Next:   orig,
			Logger: logger,
		}
	}),
)
