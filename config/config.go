// Package config loads kernel settings from defaults, an optional YAML
// file, and NODEBOOKS_* environment variables, in rising precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "NODEBOOKS"

// Version is set at build time via -ldflags.
var Version = "dev"

type Config struct {
	HTTPAddr string

	// Execution budgets.
	KernelTimeoutMs     int
	KernelWSHeartbeatMs int
	BatchMs             int
	CancelGraceMs       int
	MaxOutputBytes      int

	// Pool shape.
	PoolSize       int
	WorkerMemoryMB int

	// Session plumbing.
	ReplayBytes              int
	SubscriberHighWaterBytes int
	SessionIdleMs            int

	// Integrations.
	AMQPURL     string
	OtelEnabled bool
	LogPath     string
	LogLevel    string

	// ConfigFile is the path the settings were read from, empty when
	// running on env and defaults alone.
	ConfigFile string
}

// newFlagSet declares every setting with its type and default. The set
// is the schema viper binds against; the CLI layer owns argv.
func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("kernel", pflag.ContinueOnError)

	fs.String("http_addr", ":8090", "HTTP listen address")

	fs.Int("kernel_timeout_ms", 10_000, "default per-job deadline")
	fs.Int("kernel_ws_heartbeat_ms", 30_000, "websocket ping cadence, 0 disables")
	fs.Int("batch_ms", 25, "stream batching window")
	fs.Int("cancel_grace_ms", 100, "wait after cancel before the worker is killed")
	fs.Int("max_output_bytes", 1<<20, "per-job output cap")

	fs.Int("pool_size", 0, "worker count, 0 means one per CPU")
	fs.Int("worker_memory_mb", 512, "per-worker memory cap, 0 disables")

	fs.Int("replay_bytes", 64<<10, "per-session replay ring")
	fs.Int("subscriber_high_water_bytes", 4<<20, "unacknowledged-byte limit per subscriber")
	fs.Int("session_idle_ms", 30_000, "how long a subscriber-less session lingers")

	fs.String("amqp_url", "", "mirror telemetry events to this broker")
	fs.Bool("otel_enabled", false, "bridge slog through the OTel log pipeline")
	fs.String("log_path", "", "file the OTel log exporter appends to")
	fs.String("log_level", "info", "debug, info, warn, or error")

	return fs
}

// LoadConfig reads the effective configuration. configFile may be empty;
// a named file that cannot be read is an error.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()

	if err := v.BindPFlags(newFlagSet()); err != nil {
		return nil, fmt.Errorf("config: bind defaults: %w", err)
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	cfg := fromViper(v)
	cfg.ConfigFile = configFile
	cfg.clamp()
	return cfg, nil
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		HTTPAddr: v.GetString("http_addr"),

		KernelTimeoutMs:     v.GetInt("kernel_timeout_ms"),
		KernelWSHeartbeatMs: v.GetInt("kernel_ws_heartbeat_ms"),
		BatchMs:             v.GetInt("batch_ms"),
		CancelGraceMs:       v.GetInt("cancel_grace_ms"),
		MaxOutputBytes:      v.GetInt("max_output_bytes"),

		PoolSize:       v.GetInt("pool_size"),
		WorkerMemoryMB: v.GetInt("worker_memory_mb"),

		ReplayBytes:              v.GetInt("replay_bytes"),
		SubscriberHighWaterBytes: v.GetInt("subscriber_high_water_bytes"),
		SessionIdleMs:            v.GetInt("session_idle_ms"),

		AMQPURL:     v.GetString("amqp_url"),
		OtelEnabled: v.GetBool("otel_enabled"),
		LogPath:     v.GetString("log_path"),
		LogLevel:    v.GetString("log_level"),
	}
}

// clamp pulls out-of-window values to the nearest edge instead of
// rejecting them.
func (c *Config) clamp() {
	if c.KernelTimeoutMs < 500 {
		c.KernelTimeoutMs = 500
	}
	if c.KernelWSHeartbeatMs < 0 {
		c.KernelWSHeartbeatMs = 0
	}
	if c.BatchMs < 1 {
		c.BatchMs = 1
	}
	if c.BatchMs > 250 {
		c.BatchMs = 250
	}
	if c.CancelGraceMs < 0 {
		c.CancelGraceMs = 0
	}
	if c.PoolSize < 0 {
		c.PoolSize = 0
	}
	if c.PoolSize > 64 {
		c.PoolSize = 64
	}
	if c.WorkerMemoryMB < 0 {
		c.WorkerMemoryMB = 0
	}
}
