package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/nodebooks/kernel/config"
	"github.com/nodebooks/kernel/internal/tui"
	"github.com/nodebooks/kernel/internal/worker"
)

const ServiceName = "nodebooks-kernel"

func Run() error {
	app := &cli.App{
		Name:    ServiceName,
		Usage:   "Notebook execution kernel over a pool of sandboxed workers",
		Version: config.Version,
		Commands: []*cli.Command{
			serverCmd(),
			workerCmd(),
			topCmd(),
		},
	}

	return app.Run(os.Args)
}

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "Run the kernel server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config_file",
				Usage: "Path to the configuration file",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config_file"))
			if err != nil {
				return err
			}
			app := NewApp(cfg)

			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			slog.Info("Shutting down...")
			return app.Stop(context.Background())
		},
	}
}

// workerCmd is the entry the pool spawns. Control frames arrive on
// stdin and events leave on stdout, so the logger gets stderr.
func workerCmd() *cli.Command {
	return &cli.Command{
		Name:   "worker",
		Hidden: true,
		Usage:  "Run a sandboxed worker over stdio",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "memory-mb",
				Usage: "memory cap in MiB, 0 disables",
			},
			&cli.IntFlag{
				Name:  "batch-ms",
				Usage: "stream batching window",
			},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			log := slog.New(slog.NewTextHandler(os.Stderr, nil))
			return worker.Serve(ctx, os.Stdin, os.Stdout, worker.Config{
				MemoryMB: c.Int("memory-mb"),
				BatchMs:  c.Int("batch-ms"),
				Logger:   log,
			})
		},
	}
}

func topCmd() *cli.Command {
	return &cli.Command{
		Name:  "top",
		Usage: "Live terminal dashboard over a running kernel",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Value: "http://127.0.0.1:8090",
				Usage: "Base URL of the kernel's HTTP plane",
			},
			&cli.DurationFlag{
				Name:  "poll",
				Value: time.Second,
				Usage: "Refresh interval",
			},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			return tui.Run(ctx, tui.Config{
				BaseURL: c.String("addr"),
				Poll:    c.Duration("poll"),
			})
		},
	}
}
