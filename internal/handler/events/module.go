package events

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/fx"

	pubsubadapter "github.com/nodebooks/kernel/internal/adapter/pubsub"
)

var Module = fx.Module("events-handler",
	fx.Provide(

		pubsubadapter.NewEventDispatcher,
		pubsubadapter.NewTelemetry,

		NewStatsHandler,
		NewWatermillRouter,
	),

	fx.Invoke(RegisterHandlers),

	// [LIFECYCLE] The consumer router runs for the life of the app;
	// startup waits until it is consuming so no early event is dropped.
	fx.Invoke(func(lc fx.Lifecycle, router *message.Router, logger *slog.Logger) {
		runCtx, stop := context.WithCancel(context.Background())
		done := make(chan error, 1)

		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				go func() {
					done <- router.Run(runCtx)
				}()
				select {
				case <-router.Running():
					return nil
				case err := <-done:
					stop()
					return err
				case <-ctx.Done():
					stop()
					return ctx.Err()
				}
			},
			OnStop: func(ctx context.Context) error {
				stop()
				select {
				case err := <-done:
					return err
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		})
	}),
)

func RegisterHandlers(h *StatsHandler, router *message.Router, sub message.Subscriber, dispatcher pubsubadapter.EventDispatcher) error {
	return h.RegisterHandlers(router, sub, dispatcher)
}
