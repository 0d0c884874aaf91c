// Package pool maintains the fleet of worker processes and hands out
// exclusive reservations to kernel sessions. Dead workers are replaced
// eagerly; spawn failures back off so a broken worker binary cannot
// spin the host.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nodebooks/kernel/internal/domain/model"
	"github.com/nodebooks/kernel/internal/runner"
)

var (
	// ErrPoolExhausted means no worker became free before the caller's
	// deadline.
	ErrPoolExhausted = errors.New("pool: no worker available")

	// ErrPoolClosed means the pool is shutting down and takes no new work.
	ErrPoolClosed = errors.New("pool: closed")

	// ErrBusy means a second Run was attempted on a reservation whose
	// first job is still in flight.
	ErrBusy = errors.New("pool: reservation busy")

	// ErrReservationReleased means the reservation was already given back.
	ErrReservationReleased = errors.New("pool: reservation released")
)

const (
	// MaxSize caps the worker fleet regardless of configuration.
	MaxSize = 64

	backoffMin = 100 * time.Millisecond
	backoffMax = 5 * time.Second
)

// Pooler is the contract sessions depend on.
type Pooler interface {
	Reserve(ctx context.Context) (*Reservation, error)
	Cancel(jobID string) bool
	Stats() model.PoolStats
	Shutdown(ctx context.Context) error
}

// Telemetry receives fire-and-forget notifications about worker churn.
type Telemetry interface {
	WorkerReplaced(workerID string, pid int, jobsRun uint64)
}

// Config carries the per-worker knobs the pool forwards to each runner.
type Config struct {
	// Size is the steady-state worker count. Defaults to the CPU count,
	// clamped to [1, MaxSize].
	Size int

	AckTimeout     time.Duration
	CancelGrace    time.Duration
	MaxOutputBytes int
	BatchMs        int
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = runtime.NumCPU()
	}
	if c.Size < 1 {
		c.Size = 1
	}
	if c.Size > MaxSize {
		c.Size = MaxSize
	}
	return c
}

// Pool owns the worker processes. Reservations are capability handles;
// the pool alone spawns, tracks, and reaps runners.
type Pool struct {
	cfg       Config
	spawner   runner.Spawner
	log       *slog.Logger
	telemetry Telemetry
	protoHook func()

	pingInterval time.Duration
	backoffMin   time.Duration
	backoffMax   time.Duration

	mu       sync.Mutex
	runners  map[string]*runner.Runner
	free     []*runner.Runner
	jobIndex map[string]*runner.Runner
	reserved int
	respawns uint64
	jobs     map[string]uint64
	closed   bool

	// notify wakes one Reserve waiter when a worker lands on the free
	// list; wakeups chain when more than one is queued.
	notify  chan struct{}
	done    chan struct{}
	keepers sync.WaitGroup
}

var _ Pooler = (*Pool)(nil)

// New starts the pool: one keeper goroutine per slot spawns and then
// resurrects that slot's worker for the pool's whole life.
func New(spawner runner.Spawner, cfg Config, opts ...Option) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:          cfg,
		spawner:      spawner,
		log:          slog.Default(),
		pingInterval: 30 * time.Second,
		backoffMin:   backoffMin,
		backoffMax:   backoffMax,
		runners:      make(map[string]*runner.Runner),
		jobIndex:     make(map[string]*runner.Runner),
		jobs:         make(map[string]uint64),
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.keepers.Add(cfg.Size)
	for i := 0; i < cfg.Size; i++ {
		go p.keeper(i)
	}
	if p.pingInterval > 0 {
		go p.probeLoop()
	}
	return p
}

func (p *Pool) runnerCfg() runner.Config {
	return runner.Config{
		AckTimeout:      p.cfg.AckTimeout,
		CancelGrace:     p.cfg.CancelGrace,
		MaxOutputBytes:  p.cfg.MaxOutputBytes,
		BatchMs:         p.cfg.BatchMs,
		Logger:          p.log,
		OnProtocolError: p.protoHook,
	}
}

// keeper owns one worker slot: spawn, publish to the free list, wait for
// death, respawn. Spawn failures back off exponentially.
func (p *Pool) keeper(slot int) {
	defer p.keepers.Done()
	backoff := p.backoffMin
	for {
		select {
		case <-p.done:
			return
		default:
		}

		proc, err := p.spawner.Spawn(context.Background())
		if err != nil {
			p.log.Error("worker spawn failed",
				"slot", slot, "backoff", backoff, "error", err)
			select {
			case <-p.done:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > p.backoffMax {
				backoff = p.backoffMax
			}
			continue
		}
		backoff = p.backoffMin

		r := runner.New(proc, p.runnerCfg())
		p.log.Info("worker started", "slot", slot, "worker_id", r.ID(), "pid", r.Pid())
		p.track(r)
		p.put(r)

		select {
		case <-r.Dead():
			p.untrack(r)
			p.mu.Lock()
			closed := p.closed
			if !closed {
				p.respawns++
			}
			p.mu.Unlock()
			if closed {
				return
			}
			p.log.Warn("worker died, respawning",
				"slot", slot, "worker_id", r.ID(), "jobs_run", r.JobsRun(), "error", r.DeadErr())
			if p.telemetry != nil {
				p.telemetry.WorkerReplaced(r.ID(), r.Pid(), r.JobsRun())
			}
		case <-p.done:
			return
		}
	}
}

func (p *Pool) track(r *runner.Runner) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		// Raced with Shutdown's snapshot; nobody else will reap it.
		r.Kill()
		return
	}
	p.runners[r.ID()] = r
	p.mu.Unlock()
}

func (p *Pool) untrack(r *runner.Runner) {
	p.mu.Lock()
	delete(p.runners, r.ID())
	for i, fr := range p.free {
		if fr == r {
			p.free = append(p.free[:i], p.free[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
}

func (p *Pool) put(r *runner.Runner) {
	p.mu.Lock()
	if p.closed || !r.Alive() {
		p.mu.Unlock()
		return
	}
	p.free = append(p.free, r)
	p.mu.Unlock()
	p.wake()
}

func (p *Pool) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Pool) popFreeLocked() *runner.Runner {
	for n := len(p.free); n > 0; n = len(p.free) {
		r := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		if r.Alive() {
			return r
		}
	}
	return nil
}

// acquire blocks until a live worker is free. ErrPoolExhausted wraps the
// context error so callers can branch on the sentinel.
func (p *Pool) acquire(ctx context.Context) (*runner.Runner, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		r := p.popFreeLocked()
		more := len(p.free) > 0
		p.mu.Unlock()
		if r != nil {
			if more {
				p.wake()
			}
			return r, nil
		}

		select {
		case <-p.notify:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrPoolExhausted, ctx.Err())
		case <-p.done:
			return nil, ErrPoolClosed
		}
	}
}

// Reserve claims one worker exclusively. The reservation survives worker
// replacement: a retired worker is swapped for a fresh one on the next Run.
func (p *Pool) Reserve(ctx context.Context) (*Reservation, error) {
	r, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.reserved++
	p.mu.Unlock()
	return &Reservation{pool: p, r: r}, nil
}

// Cancel routes a best-effort interrupt to whichever runner currently
// owns jobID.
func (p *Pool) Cancel(jobID string) bool {
	p.mu.Lock()
	r := p.jobIndex[jobID]
	p.mu.Unlock()
	if r == nil {
		return false
	}
	return r.Interrupt(jobID)
}

func (p *Pool) bindJob(jobID string, r *runner.Runner) {
	p.mu.Lock()
	p.jobIndex[jobID] = r
	p.mu.Unlock()
}

func (p *Pool) unbindJob(jobID string) {
	p.mu.Lock()
	delete(p.jobIndex, jobID)
	p.mu.Unlock()
}

func (p *Pool) accountOutcome(out runner.Outcome) {
	key := string(model.ErrKindUser)
	switch {
	case out.Result != nil && out.Result.Execution.Status == model.StatusOK:
		key = "ok"
	case out.Result != nil:
		// user_error
	default:
		key = string(out.Kind)
	}
	p.mu.Lock()
	p.jobs[key]++
	p.mu.Unlock()
}

// releaseRunner returns a healthy worker to the free list. Dead or
// retired workers are left to their keeper. Straggler frames from a
// cancelled job need no draining here: the runner's read loop keeps
// consuming the event stream and drops frames that match no in-flight
// job.
func (p *Pool) releaseRunner(r *runner.Runner) {
	if r == nil || !r.Alive() {
		return
	}
	p.put(r)
}

// Stats is the snapshot served by /statsz and exported as telemetry.
func (p *Pool) Stats() model.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := model.PoolStats{
		Size:     p.cfg.Size,
		Live:     len(p.runners),
		Reserved: p.reserved,
		Respawns: p.respawns,
	}
	if len(p.jobs) > 0 {
		st.Jobs = make(map[string]uint64, len(p.jobs))
		for k, v := range p.jobs {
			st.Jobs[k] = v
		}
	}
	return st
}

// probeLoop pings idle workers on a slow cadence; one that stops
// answering is retired through the crash path.
func (p *Pool) probeLoop() {
	tick := time.NewTicker(p.pingInterval)
	defer tick.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-tick.C:
		}

		p.mu.Lock()
		idle := make([]*runner.Runner, len(p.free))
		copy(idle, p.free)
		p.mu.Unlock()

		for _, r := range idle {
			if !r.Alive() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			err := r.Ping(ctx)
			cancel()
			if err != nil && r.Alive() {
				p.log.Warn("idle worker unresponsive, retiring",
					"worker_id", r.ID(), "error", err)
				r.Kill()
			}
		}
	}
}

// Shutdown stops admissions, interrupts in-flight jobs, and closes every
// worker. Workers that ignore the goodbye are killed when ctx expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for jobID, r := range p.jobIndex {
		r.Interrupt(jobID)
	}
	live := make([]*runner.Runner, 0, len(p.runners))
	for _, r := range p.runners {
		live = append(live, r)
	}
	p.mu.Unlock()
	close(p.done)

	var g errgroup.Group
	for _, r := range live {
		r := r
		g.Go(func() error { return r.Close(ctx) })
	}
	err := g.Wait()
	p.keepers.Wait()
	return err
}
