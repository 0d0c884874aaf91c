package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Dynamic is the configuration subset that applies without restart.
type Dynamic struct {
	KernelTimeoutMs     int
	KernelWSHeartbeatMs int
}

// Watch re-reads the config file whenever it changes and hands the
// dynamic subset to apply. Static field changes are logged and ignored
// until restart. Watch blocks until ctx ends.
func Watch(ctx context.Context, current *Config, logger *slog.Logger, apply func(Dynamic)) error {
	if current.ConfigFile == "" {
		<-ctx.Done()
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors replace files by rename, which drops
	// a watch set on the file itself.
	dir := filepath.Dir(current.ConfigFile)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	base := filepath.Base(current.ConfigFile)
	last := *current
	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			debounce = time.After(100 * time.Millisecond)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watch error", "error", err)

		case <-debounce:
			debounce = nil
			next, err := LoadConfig(current.ConfigFile)
			if err != nil {
				logger.Warn("config reload failed", "error", err)
				continue
			}

			logStaticChanges(logger, &last, next)
			if next.KernelTimeoutMs != last.KernelTimeoutMs ||
				next.KernelWSHeartbeatMs != last.KernelWSHeartbeatMs {
				logger.Info("config reloaded",
					"kernel_timeout_ms", next.KernelTimeoutMs,
					"kernel_ws_heartbeat_ms", next.KernelWSHeartbeatMs)
				apply(Dynamic{
					KernelTimeoutMs:     next.KernelTimeoutMs,
					KernelWSHeartbeatMs: next.KernelWSHeartbeatMs,
				})
			}
			last = *next
		}
	}
}

func logStaticChanges(logger *slog.Logger, old, next *Config) {
	static := []struct {
		key     string
		changed bool
	}{
		{"http_addr", old.HTTPAddr != next.HTTPAddr},
		{"batch_ms", old.BatchMs != next.BatchMs},
		{"cancel_grace_ms", old.CancelGraceMs != next.CancelGraceMs},
		{"max_output_bytes", old.MaxOutputBytes != next.MaxOutputBytes},
		{"pool_size", old.PoolSize != next.PoolSize},
		{"worker_memory_mb", old.WorkerMemoryMB != next.WorkerMemoryMB},
		{"replay_bytes", old.ReplayBytes != next.ReplayBytes},
		{"subscriber_high_water_bytes", old.SubscriberHighWaterBytes != next.SubscriberHighWaterBytes},
		{"session_idle_ms", old.SessionIdleMs != next.SessionIdleMs},
		{"amqp_url", old.AMQPURL != next.AMQPURL},
		{"otel_enabled", old.OtelEnabled != next.OtelEnabled},
		{"log_path", old.LogPath != next.LogPath},
		{"log_level", old.LogLevel != next.LogLevel},
	}
	for _, s := range static {
		if s.changed {
			logger.Warn("config change requires restart", "key", s.key)
		}
	}
}
