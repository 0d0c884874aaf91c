package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nodebooks/kernel/internal/domain/model"
	"github.com/nodebooks/kernel/internal/wire"
)

const (
	DefaultAckTimeout     = 2 * time.Second
	DefaultCancelGrace    = 100 * time.Millisecond
	DefaultMaxOutputBytes = 1 << 20

	// maxProtocolErrors is how many consecutive framing violations the
	// event stream may produce before the worker is written off.
	maxProtocolErrors = 3
)

// Sink receives the live stream and display events of the job currently
// running on this worker. Terminal events are not delivered here; they are
// derived from the returned Outcome by the caller.
type Sink func(ev model.Eventer)

// Config tunes one runner.
type Config struct {
	AckTimeout     time.Duration
	CancelGrace    time.Duration
	MaxOutputBytes int
	BatchMs        int
	Logger         *slog.Logger
	// OnProtocolError is invoked for every framing violation on the
	// event stream. Optional.
	OnProtocolError func()
}

func (c Config) withDefaults() Config {
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = DefaultCancelGrace
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Outcome is the terminal disposition of one dispatched job. Either Result
// is set (the worker returned, ok or user error) or Kind names the
// synthesized failure. Retire tells the pool to replace this worker.
type Outcome struct {
	Result *model.JobResult
	Kind   model.ErrorKind
	Evalue string
	Retire bool
}

// Runner drives one worker over its wire channels. One job runs at a time;
// Interrupt and Ping are safe from other goroutines.
type Runner struct {
	id   string
	cfg  Config
	log  *slog.Logger
	proc Proc
	ctrl *wire.ControlWriter

	mu      sync.Mutex
	cur     *jobState
	closing bool
	jobs    uint64

	dead     chan struct{}
	deadOnce sync.Once
	deadErr  error

	pongCh chan struct{}
}

func New(proc Proc, cfg Config) *Runner {
	cfg = cfg.withDefaults()
	r := &Runner{
		id:     uuid.NewString(),
		cfg:    cfg,
		log:    cfg.Logger,
		proc:   proc,
		ctrl:   wire.NewControlWriter(proc.Control()),
		dead:   make(chan struct{}),
		pongCh: make(chan struct{}, 1),
	}
	go r.readLoop()
	return r
}

func (r *Runner) ID() string { return r.id }
func (r *Runner) Pid() int   { return r.proc.Pid() }

func (r *Runner) Alive() bool {
	select {
	case <-r.dead:
		return false
	default:
		return true
	}
}

// Dead is closed when the worker's event stream ends for any reason.
func (r *Runner) Dead() <-chan struct{} { return r.dead }

func (r *Runner) JobsRun() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs
}

// jobState is the per-dispatch rendezvous between the read loop and Run.
type jobState struct {
	id       string
	cellID   string
	sink     Sink
	maxBytes int

	ackOnce  sync.Once
	ackCh    chan struct{}
	resultCh chan *model.JobResult
	failCh   chan *model.ExecError
	intCh    chan string
	capCh    chan struct{}

	// Touched only by the read loop.
	bytes  int
	capped bool
}

func newJobState(job *model.JobSpec, sink Sink, maxBytes int) *jobState {
	return &jobState{
		id:       job.JobID,
		cellID:   job.Cell.ID,
		sink:     sink,
		maxBytes: maxBytes,
		ackCh:    make(chan struct{}),
		resultCh: make(chan *model.JobResult, 1),
		failCh:   make(chan *model.ExecError, 1),
		intCh:    make(chan string, 1),
		capCh:    make(chan struct{}),
	}
}

func (j *jobState) emit(ev model.Eventer) {
	if j.sink != nil {
		j.sink(ev)
	}
}

// account tracks relayed payload bytes and trips the output cap once:
// truncation notice first, then the cap signal Run acts on.
func (j *jobState) account(n int) {
	j.bytes += n
	if !j.capped && j.bytes > j.maxBytes {
		j.capped = true
		j.emit(model.NewStreamEvent(j.id, j.cellID, model.StreamStderr, "[output truncated]\n"))
		close(j.capCh)
	}
}

func (j *jobState) handleFrame(f *wire.Frame, log *slog.Logger) {
	if len(f.Payload) == 0 || j.capped {
		return
	}
	switch f.Kind {
	case wire.KindStdout:
		j.emit(model.NewStreamEvent(j.id, j.cellID, model.StreamStdout, string(f.Payload)))
		j.account(len(f.Payload))
	case wire.KindStderr:
		j.emit(model.NewStreamEvent(j.id, j.cellID, model.StreamStderr, string(f.Payload)))
		j.account(len(f.Payload))
	case wire.KindDisplay:
		p, err := wire.DecodeDisplayPayload(f.Payload)
		if err != nil {
			log.Warn("display payload rejected", "job_id", j.id, "error", err)
			return
		}
		j.emit(model.NewDisplayEvent(j.id, j.cellID, p.Value, p.ID, p.Update))
		j.account(len(f.Payload))
	}
}

// readLoop owns the event stream for the worker's whole life. Framing
// violations are counted; a run of them means the stream is garbage and
// the worker is killed rather than trusted further.
func (r *Runner) readLoop() {
	rr := wire.NewRecordReader(r.proc.Events())
	protoErrs := 0
	for {
		rec, err := rr.Next()
		if err != nil {
			if errors.Is(err, wire.ErrProtocol) {
				protoErrs++
				if r.cfg.OnProtocolError != nil {
					r.cfg.OnProtocolError()
				}
				r.log.Warn("worker protocol error",
					"worker_id", r.id, "consecutive", protoErrs, "error", err)
				if protoErrs > maxProtocolErrors {
					r.log.Error("worker event stream unrecoverable", "worker_id", r.id)
					_ = r.proc.Kill()
				}
				continue
			}
			r.markDead(err)
			return
		}
		protoErrs = 0
		r.route(rec)
	}
}

func (r *Runner) route(rec *wire.Record) {
	if rec.Frame != nil {
		f := rec.Frame
		if f.Kind == wire.KindLog {
			r.log.Debug("worker log", "worker_id", r.id, "msg", string(f.Payload))
			return
		}
		r.mu.Lock()
		cur := r.cur
		r.mu.Unlock()
		if cur == nil || wire.HashJobID(cur.id) != f.JobIDHash {
			r.log.Debug("stray frame dropped", "worker_id", r.id, "kind", int(f.Kind))
			return
		}
		cur.handleFrame(f, r.log)
		return
	}

	ev := rec.Event
	if ev.Type == wire.EventPong {
		select {
		case r.pongCh <- struct{}{}:
		default:
		}
		return
	}

	r.mu.Lock()
	cur := r.cur
	r.mu.Unlock()
	if cur == nil || (ev.JobID != "" && ev.JobID != cur.id) {
		r.log.Debug("stray worker event dropped", "worker_id", r.id, "type", string(ev.Type))
		return
	}
	switch ev.Type {
	case wire.EventAck:
		cur.ackOnce.Do(func() { close(cur.ackCh) })
	case wire.EventResult:
		select {
		case cur.resultCh <- ev.Result:
		default:
		}
	case wire.EventError:
		execErr := ev.Error
		if execErr == nil {
			execErr = &model.ExecError{Ename: "Error", Evalue: "worker error without detail"}
		}
		select {
		case cur.failCh <- execErr:
		default:
		}
	}
}

func (r *Runner) markDead(err error) {
	r.deadOnce.Do(func() {
		if err != nil && !errors.Is(err, io.EOF) {
			r.deadErr = err
		}
		close(r.dead)
		go func() { _ = r.proc.Wait() }()
	})
}

// DeadErr reports why the event stream ended, nil for a clean EOF.
func (r *Runner) DeadErr() error {
	select {
	case <-r.dead:
		return r.deadErr
	default:
		return nil
	}
}

// Run dispatches one job and blocks until its terminal disposition. Live
// stream/display events are delivered to sink from the read loop while
// Run waits.
func (r *Runner) Run(ctx context.Context, job *model.JobSpec, sink Sink) Outcome {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return Outcome{Kind: model.ErrKindWorkerCrashed, Evalue: "worker is shutting down", Retire: true}
	}
	if r.cur != nil {
		r.mu.Unlock()
		r.log.Error("dispatch to busy runner rejected", "worker_id", r.id, "job_id", job.JobID)
		return Outcome{Kind: model.ErrKindWorkerCrashed, Evalue: "worker already running a job"}
	}
	cur := newJobState(job, sink, r.cfg.MaxOutputBytes)
	r.cur = cur
	r.jobs++
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.cur = nil
		r.mu.Unlock()
	}()

	if !r.Alive() {
		return Outcome{Kind: model.ErrKindWorkerCrashed, Evalue: "worker exited", Retire: true}
	}

	if err := r.ctrl.Write(controlFor(job, r.cfg.BatchMs)); err != nil {
		r.log.Error("job dispatch failed", "worker_id", r.id, "job_id", job.JobID, "error", err)
		_ = r.proc.Kill()
		return Outcome{Kind: model.ErrKindWorkerCrashed, Evalue: "worker unreachable", Retire: true}
	}

	ackTimer := time.NewTimer(r.cfg.AckTimeout)
	defer ackTimer.Stop()
	select {
	case <-cur.ackCh:
	case res := <-cur.resultCh:
		// Tiny jobs can finish before the ack is observed.
		return Outcome{Result: res}
	case fail := <-cur.failCh:
		_ = r.proc.Kill()
		return Outcome{Kind: model.ErrKindWorkerCrashed, Evalue: fail.Evalue, Retire: true}
	case <-ackTimer.C:
		r.log.Error("worker ack timeout", "worker_id", r.id, "job_id", job.JobID)
		_ = r.proc.Kill()
		return Outcome{Kind: model.ErrKindWorkerCrashed, Evalue: "worker did not acknowledge the job", Retire: true}
	case <-r.dead:
		return Outcome{Kind: model.ErrKindWorkerCrashed, Evalue: "worker exited", Retire: true}
	case <-ctx.Done():
		_ = r.proc.Kill()
		return Outcome{Kind: model.ErrKindCancelled, Evalue: "kernel shutting down", Retire: true}
	}

	deadline := time.NewTimer(time.Duration(job.TimeoutMs) * time.Millisecond)
	defer deadline.Stop()
	select {
	case res := <-cur.resultCh:
		return Outcome{Result: res}
	case fail := <-cur.failCh:
		_ = r.proc.Kill()
		return Outcome{Kind: model.ErrKindWorkerCrashed, Evalue: fail.Evalue, Retire: true}
	case <-deadline.C:
		// A deadline overrun means the worker sat on the job too long;
		// it is replaced even when it unwinds politely.
		return r.cancelAndSettle(cur, model.ErrKindTimeout, "timeout",
			fmt.Sprintf("execution timed out after %dms", job.TimeoutMs), true)
	case reason := <-cur.intCh:
		return r.cancelAndSettle(cur, model.ErrKindCancelled, reason, "execution interrupted", false)
	case <-cur.capCh:
		return r.cancelAndSettle(cur, model.ErrKindOutputLimit, "output limit", "output limit exceeded", false)
	case <-r.dead:
		return Outcome{Kind: model.ErrKindWorkerCrashed, Evalue: "worker exited during execution", Retire: true}
	case <-ctx.Done():
		_ = r.proc.Kill()
		return Outcome{Kind: model.ErrKindCancelled, Evalue: "kernel shutting down", Retire: true}
	}
}

// cancelAndSettle sends a cooperative cancel and gives the worker one
// grace window to unwind. A worker that misses the window is killed; its
// late result, if any, is dropped either way.
func (r *Runner) cancelAndSettle(cur *jobState, kind model.ErrorKind, reason, evalue string, alwaysRetire bool) Outcome {
	_ = r.ctrl.Write(&wire.ControlMessage{Type: wire.ControlCancel, JobID: cur.id, Reason: reason})

	grace := time.NewTimer(r.cfg.CancelGrace)
	defer grace.Stop()
	out := Outcome{Kind: kind, Evalue: evalue, Retire: alwaysRetire}
	select {
	case <-cur.resultCh:
		// Unwound in time; the aborted result is discarded in favor of
		// the synthesized terminal.
	case <-grace.C:
		r.log.Warn("cancel grace expired, killing worker",
			"worker_id", r.id, "job_id", cur.id, "reason", reason)
		_ = r.proc.Kill()
		out.Retire = true
	case <-r.dead:
		out.Retire = true
	}
	return out
}

// Interrupt requests cooperative cancellation of the current job. It
// reports false when no matching job is in flight.
func (r *Runner) Interrupt(jobID string) bool {
	r.mu.Lock()
	cur := r.cur
	r.mu.Unlock()
	if cur == nil || (jobID != "" && cur.id != jobID) {
		return false
	}
	select {
	case cur.intCh <- "interrupt":
		return true
	default:
		return false
	}
}

// Ping round-trips the control channel; used for idle health checks.
func (r *Runner) Ping(ctx context.Context) error {
	select {
	case <-r.pongCh:
	default:
	}
	if err := r.ctrl.Write(&wire.ControlMessage{Type: wire.ControlPing}); err != nil {
		return err
	}
	select {
	case <-r.pongCh:
		return nil
	case <-r.dead:
		return fmt.Errorf("worker %s dead", r.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close asks the worker to exit by closing its control channel and kills
// it when the context runs out first.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	_ = r.proc.Control().Close()
	select {
	case <-r.dead:
		return nil
	case <-ctx.Done():
		_ = r.proc.Kill()
		<-r.dead
		return ctx.Err()
	}
}

// Kill force-terminates the worker without a goodbye.
func (r *Runner) Kill() {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()
	_ = r.proc.Kill()
}

func controlFor(job *model.JobSpec, batchMs int) *wire.ControlMessage {
	payload := &wire.JobPayload{
		JobID:     job.JobID,
		CellID:    job.Cell.ID,
		Code:      job.Code,
		Handler:   job.HandlerRef,
		Event:     job.Event,
		Args:      job.Args,
		Globals:   job.Globals,
		Env:       job.Env.Vars,
		Packages:  job.Env.Packages,
		TimeoutMs: job.TimeoutMs,
		BatchMs:   batchMs,
	}
	typ := wire.ControlRunCell
	if job.Kind == model.JobHandler {
		typ = wire.ControlInvokeHandler
	}
	return &wire.ControlMessage{Type: typ, Job: payload}
}
