package session

import (
	"log/slog"
	"time"
)

// Timeout clamp bounds, milliseconds. Requests outside the window are
// pulled to the nearest edge rather than rejected.
const (
	MinTimeoutMs     = 500
	DefaultTimeoutMs = 10_000
	MaxTimeoutMs     = 30_000
)

const (
	DefaultReplayBytes    = 64 << 10
	DefaultHighWaterBytes = 4 << 20
	DefaultMailboxSize    = 4096
	DefaultReserveTimeout = 5 * time.Second
	DefaultIdleWindow     = 30 * time.Second
	DefaultSweepInterval  = 5 * time.Second
)

// Config tunes every session a Manager creates.
type Config struct {
	// ReplayBytes bounds the per-session replay ring.
	ReplayBytes int
	// HighWaterBytes is the unacknowledged-byte limit per subscriber.
	HighWaterBytes int
	// MailboxSize is the per-subscriber event channel capacity.
	MailboxSize int
	// JobTimeoutMs applies when an execute request carries no timeout.
	JobTimeoutMs int
	// KernelTimeoutMs caps any requested timeout.
	KernelTimeoutMs int
	// ReserveTimeout bounds the wait for a free worker at dispatch.
	ReserveTimeout time.Duration
	// IdleWindow is how long a subscriber-less session lingers before
	// the reaper closes it.
	IdleWindow time.Duration
	// SweepInterval is the reaper tick.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReplayBytes <= 0 {
		c.ReplayBytes = DefaultReplayBytes
	}
	if c.HighWaterBytes <= 0 {
		c.HighWaterBytes = DefaultHighWaterBytes
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = DefaultMailboxSize
	}
	if c.JobTimeoutMs <= 0 {
		c.JobTimeoutMs = DefaultTimeoutMs
	}
	if c.KernelTimeoutMs <= 0 {
		c.KernelTimeoutMs = MaxTimeoutMs
	}
	if c.JobTimeoutMs > c.KernelTimeoutMs {
		c.JobTimeoutMs = c.KernelTimeoutMs
	}
	if c.ReserveTimeout <= 0 {
		c.ReserveTimeout = DefaultReserveTimeout
	}
	if c.IdleWindow <= 0 {
		c.IdleWindow = DefaultIdleWindow
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// ClampTimeout resolves a requested per-job timeout against the
// configured window. Zero means "use the default".
func (c Config) ClampTimeout(requestedMs int) int {
	if requestedMs <= 0 {
		return c.JobTimeoutMs
	}
	if requestedMs < MinTimeoutMs {
		return MinTimeoutMs
	}
	if requestedMs > c.KernelTimeoutMs {
		return c.KernelTimeoutMs
	}
	return requestedMs
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

func WithTelemetry(tel Telemetry) ManagerOption {
	return func(m *Manager) {
		m.telemetry = tel
	}
}

// WithoutReaper disables the idle sweep, for tests and embedders that
// manage session lifetime themselves.
func WithoutReaper() ManagerOption {
	return func(m *Manager) {
		m.reap = false
	}
}
