package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.uber.org/fx"

	"github.com/nodebooks/kernel/config"
	otelkit "github.com/nodebooks/kernel/infra/otel"
	"github.com/nodebooks/kernel/infra/pubsub"
	httpsrv "github.com/nodebooks/kernel/infra/server/http"
	pubsubadapter "github.com/nodebooks/kernel/internal/adapter/pubsub"
	"github.com/nodebooks/kernel/internal/domain/session"
	wshandler "github.com/nodebooks/kernel/internal/handler/ws"
	"github.com/nodebooks/kernel/internal/pool"
	"github.com/nodebooks/kernel/internal/runner"
	"github.com/nodebooks/kernel/internal/store"
	"github.com/nodebooks/kernel/internal/transpile"
)

const transpileCacheSize = 256

// ProvideLogger builds the process logger. With the OTel log pipeline
// enabled, records flow through the bridge to the file exporter;
// otherwise they go to stderr as text.
func ProvideLogger(cfg *config.Config, p *otelkit.Providers) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("config: log_level %q: %w", cfg.LogLevel, err)
	}

	var h slog.Handler
	if p.Logs != nil {
		h = otelslog.NewHandler(ServiceName, otelslog.WithLoggerProvider(p.Logs))
	} else {
		h = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	}

	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger, nil
}

// ProvideWatermillLogger adapts the process logger for the message bus.
func ProvideWatermillLogger(log *slog.Logger) watermill.LoggerAdapter {
	return watermill.NewSlogLogger(log)
}

func ProvideOtelConfig(cfg *config.Config) otelkit.Config {
	oc := otelkit.Config{ServiceName: ServiceName}
	if cfg.OtelEnabled {
		oc.LogPath = cfg.LogPath
	}
	return oc
}

func ProvidePubSubConfig(cfg *config.Config) pubsub.Config {
	return pubsub.Config{AMQPURL: cfg.AMQPURL}
}

func ProvideHTTPConfig(cfg *config.Config) httpsrv.Config {
	return httpsrv.Config{Addr: cfg.HTTPAddr}
}

func ProvideWSConfig(cfg *config.Config) wshandler.Config {
	return wshandler.Config{
		Heartbeat: time.Duration(cfg.KernelWSHeartbeatMs) * time.Millisecond,
	}
}

// ProvideStore serves every notebook id in open-create mode, the
// standalone deployment where no catalog sits in front of the kernel.
func ProvideStore(log *slog.Logger) store.NotebookStore {
	return store.NewBreakerStore(store.NewMemoryStore(store.WithOpenCreate(true)), log)
}

func ProvideTranspiler() (transpile.Transpiler, error) {
	return transpile.NewCached(transpile.NewNotebook(), transpileCacheSize)
}

// ProvidePool spawns workers by re-executing this binary with the
// hidden worker subcommand.
func ProvidePool(lc fx.Lifecycle, cfg *config.Config, log *slog.Logger, tel *pubsubadapter.Telemetry, metrics *otelkit.Metrics) pool.Pooler {
	sp := &runner.ExecSpawner{
		MemoryMB: cfg.WorkerMemoryMB,
		BatchMs:  cfg.BatchMs,
		Logger:   log,
	}
	p := pool.New(sp, pool.Config{
		Size:           cfg.PoolSize,
		CancelGrace:    time.Duration(cfg.CancelGraceMs) * time.Millisecond,
		MaxOutputBytes: cfg.MaxOutputBytes,
		BatchMs:        cfg.BatchMs,
	},
		pool.WithLogger(log),
		pool.WithTelemetry(tel),
		pool.WithProtocolErrorHook(func() {
			metrics.RecordProtocolError(context.Background())
		}),
	)

	// [LIFECYCLE] Workers die after sessions drain, not before.
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error { return p.Shutdown(ctx) },
	})
	return p
}

func ProvideSessions(lc fx.Lifecycle, cfg *config.Config, st store.NotebookStore, p pool.Pooler, log *slog.Logger, tel *pubsubadapter.Telemetry) *session.Manager {
	mgr := session.NewManager(st, p, session.Config{
		ReplayBytes:    cfg.ReplayBytes,
		HighWaterBytes: cfg.SubscriberHighWaterBytes,
		JobTimeoutMs:   cfg.KernelTimeoutMs,
		IdleWindow:     time.Duration(cfg.SessionIdleMs) * time.Millisecond,
	},
		session.WithLogger(log),
		session.WithTelemetry(tel),
	)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error { return mgr.Shutdown(ctx) },
	})
	return mgr
}
