package httpsrv

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"go.uber.org/fx"
)

var Module = fx.Module(
	"httpsrv",

	fx.Provide(New),

	// [LIFECYCLE] Bind during startup so a taken port fails the app,
	// serve in the background, drain on shutdown.
	fx.Invoke(func(lc fx.Lifecycle, srv *http.Server, logger *slog.Logger) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				ln, err := net.Listen("tcp", srv.Addr)
				if err != nil {
					return err
				}
				logger.Info("http listening", "addr", ln.Addr().String())
				go func() {
					if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("http server failed", "error", err)
					}
				}()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				return srv.Shutdown(ctx)
			},
		})
	}),
)
