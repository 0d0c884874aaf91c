package cmd

import (
	"context"
	"log/slog"
	"time"

	"go.uber.org/fx"

	"github.com/nodebooks/kernel/config"
	otelkit "github.com/nodebooks/kernel/infra/otel"
	"github.com/nodebooks/kernel/infra/pubsub"
	httpsrv "github.com/nodebooks/kernel/infra/server/http"
	"github.com/nodebooks/kernel/internal/domain/session"
	"github.com/nodebooks/kernel/internal/handler/events"
	"github.com/nodebooks/kernel/internal/handler/httpapi"
	wshandler "github.com/nodebooks/kernel/internal/handler/ws"
	"github.com/nodebooks/kernel/internal/service"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			ProvideWatermillLogger,
			ProvideOtelConfig,
			ProvidePubSubConfig,
			ProvideHTTPConfig,
			ProvideWSConfig,
			ProvideStore,
			ProvideTranspiler,
			ProvidePool,
			ProvideSessions,
		),
		otelkit.Module,
		pubsub.Module,
		events.Module,
		service.Module,
		httpapi.Module,
		httpsrv.Module,
		fx.Invoke(watchConfig),
	)
}

// watchConfig applies the hot-reloadable subset while the app runs.
// Everything else in the file needs a restart and is logged as such.
func watchConfig(lc fx.Lifecycle, cfg *config.Config, log *slog.Logger, mgr *session.Manager, wsh *wshandler.WSHandler) {
	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go func() {
				err := config.Watch(ctx, cfg, log, func(d config.Dynamic) {
					mgr.SetDefaultJobTimeout(d.KernelTimeoutMs)
					wsh.SetHeartbeat(time.Duration(d.KernelWSHeartbeatMs) * time.Millisecond)
				})
				if err != nil {
					log.Warn("config watcher stopped", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			if cancel != nil {
				cancel()
			}
			return nil
		},
	})
}
