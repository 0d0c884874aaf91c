package pool

import (
	"log/slog"
	"time"
)

// Option defines a functional configuration type for the Pool.
type Option func(*Pool)

// WithLogger routes pool and runner diagnostics to log.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pool) {
		if log != nil {
			p.log = log
		}
	}
}

// WithPingInterval sets the cadence of the idle-worker liveness probe.
// Zero disables probing.
func WithPingInterval(d time.Duration) Option {
	return func(p *Pool) {
		p.pingInterval = d
	}
}

// WithBackoff overrides the respawn backoff window.
func WithBackoff(min, max time.Duration) Option {
	return func(p *Pool) {
		if min > 0 {
			p.backoffMin = min
		}
		if max >= p.backoffMin {
			p.backoffMax = max
		}
	}
}

// WithTelemetry publishes worker replacement notifications to t.
func WithTelemetry(t Telemetry) Option {
	return func(p *Pool) {
		p.telemetry = t
	}
}

// WithProtocolErrorHook is called once per framing violation on any
// worker's event stream, before the runner decides the worker's fate.
func WithProtocolErrorHook(fn func()) Option {
	return func(p *Pool) {
		p.protoHook = fn
	}
}
