/*
Package session implements the kernel's externally observable unit: a
per-notebook execution session with a FIFO job queue, an exclusive
worker reservation, attached subscriber sinks, and the accumulated
globals that make cell-to-cell binding flow work.

Key architectural points:
  - One dispatch goroutine per session evaluates jobs strictly in
    submission order; at most one job is in flight per session.
  - Events are published under one mutex: sequence stamping, the replay
    ring, and subscriber fan-out happen at a single point, so every
    subscriber observes the same prefix order and late attachers get a
    consistent cut.
  - Subscribers are never blocked on: a sink that falls behind its byte
    high-water mark is dropped and its transport told to close.
*/
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nodebooks/kernel/internal/domain/model"
	"github.com/nodebooks/kernel/internal/pool"
)

var (
	// ErrSessionClosed rejects operations on a closed session.
	ErrSessionClosed = errors.New("session: closed")
)

// Close reasons carried by the terminal closed event.
const (
	CloseReasonClient   = "client"
	CloseReasonIdle     = "idle"
	CloseReasonShutdown = "shutdown"
)

// Telemetry receives fire-and-forget lifecycle notifications. Payloads
// carry ids and outcomes only, never cell output.
type Telemetry interface {
	JobFinished(sessionID, notebookID, jobID string, kind model.JobKind, outcome string, durationMs int64)
	SessionClosed(sessionID, notebookID, reason string)
}

// pendingJob is one queued unit of work; worker-facing fields are bound
// at dispatch time so the job sees the post-merge globals.
type pendingJob struct {
	jobID      string
	kind       model.JobKind
	cell       model.Cell
	code       string
	handlerRef string
	event      string
	args       []any
	timeoutMs  int
	enqueuedAt time.Time
}

// Session is one kernel session. All public methods are safe for
// concurrent use.
type Session struct {
	id         string
	notebookID string
	env        model.NotebookEnv
	createdAt  time.Time

	pool      pool.Pooler
	cfg       Config
	log       *slog.Logger
	telemetry Telemetry

	mu         sync.Mutex
	state      model.SessionState
	closed     bool
	subs       map[string]Subscriber
	queue      []*pendingJob
	cur        *pendingJob
	globals    map[string]any
	seq        uint64
	ring       *replayRing
	lastStatus *model.StatusEvent
	res        *pool.Reservation
	emptySince time.Time

	// resMu serializes reservation acquisition across attachers.
	resMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	wake      chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds a session and starts its dispatch goroutine. Sessions are
// created by the Manager; env must carry the notebook identity.
func New(id string, env model.NotebookEnv, p pool.Pooler, cfg Config, log *slog.Logger, tel Telemetry) *Session {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         id,
		notebookID: env.NotebookID,
		env:        env,
		createdAt:  time.Now(),
		pool:       p,
		cfg:        cfg,
		log:        log,
		telemetry:  tel,
		state:      model.SessionIdle,
		subs:       make(map[string]Subscriber),
		globals:    make(map[string]any),
		ring:       newReplayRing(cfg.ReplayBytes),
		lastStatus: model.NewStatusEvent(model.SessionIdle, ""),
		emptySince: time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	s.wg.Add(1)
	go s.dispatchLoop()
	return s
}

func (s *Session) ID() string           { return s.id }
func (s *Session) NotebookID() string   { return s.notebookID }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Attach registers a sink. The first attach acquires the session's
// worker reservation; a pool that cannot serve one fails the attach with
// pool.ErrPoolExhausted before any subscriber state is created. The new
// subscriber receives the replay tail and last status, then the live
// feed, at a consistent cut.
func (s *Session) Attach(ctx context.Context) (Subscriber, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.mu.Unlock()

	if err := s.ensureReservation(ctx); err != nil {
		return nil, err
	}

	sub := NewSubscriber(int64(s.cfg.HighWaterBytes), s.cfg.MailboxSize)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.Close()
		return nil, ErrSessionClosed
	}
	for _, ev := range s.ring.Snapshot() {
		sub.Send(ev)
	}
	sub.Send(s.lastStatus)
	s.subs[sub.GetID()] = sub
	n := len(s.subs)
	s.mu.Unlock()

	s.log.Debug("subscriber attached",
		"session_id", s.id, "subscriber_id", sub.GetID(), "subscribers", n)
	return sub, nil
}

// Detach removes a subscriber and closes it.
func (s *Session) Detach(subscriberID string) {
	s.mu.Lock()
	sub, ok := s.subs[subscriberID]
	if ok {
		delete(s.subs, subscriberID)
		if len(s.subs) == 0 {
			s.emptySince = time.Now()
		}
	}
	s.mu.Unlock()
	if ok {
		sub.Close()
		s.log.Debug("subscriber detached", "session_id", s.id, "subscriber_id", subscriberID)
	}
}

func (s *Session) ensureReservation(ctx context.Context) error {
	s.resMu.Lock()
	defer s.resMu.Unlock()

	s.mu.Lock()
	have := s.res != nil
	s.mu.Unlock()
	if have {
		return nil
	}

	res, err := s.pool.Reserve(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		res.Release()
		return ErrSessionClosed
	}
	s.res = res
	s.mu.Unlock()
	return nil
}

// Execute queues one cell run and returns its job id immediately. Code
// is the post-transpile source; cell keeps the original for clients.
func (s *Session) Execute(cell model.Cell, code string, timeoutMs int) (string, error) {
	return s.enqueue(&pendingJob{
		jobID:      uuid.NewString(),
		kind:       model.JobCell,
		cell:       cell,
		code:       code,
		timeoutMs:  s.cfg.ClampTimeout(timeoutMs),
		enqueuedAt: time.Now(),
	})
}

// InvokeHandler queues a UI handler invocation; it shares the job
// lifecycle with Execute.
func (s *Session) InvokeHandler(handlerRef, event string, args []any, cellID string) (string, error) {
	return s.enqueue(&pendingJob{
		jobID:      uuid.NewString(),
		kind:       model.JobHandler,
		cell:       model.Cell{ID: cellID},
		handlerRef: handlerRef,
		event:      event,
		args:       args,
		timeoutMs:  s.cfg.ClampTimeout(0),
		enqueuedAt: time.Now(),
	})
}

func (s *Session) enqueue(job *pendingJob) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	s.queue = append(s.queue, job)
	depth := len(s.queue)
	s.mu.Unlock()

	s.log.Debug("job enqueued",
		"session_id", s.id, "job_id", job.jobID, "cell_id", job.cell.ID, "queue_depth", depth)
	s.kick()
	return job.jobID, nil
}

func (s *Session) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Interrupt cancels the in-flight job, if any. With purge it also drops
// every queued job, each with its own cancelled terminal.
func (s *Session) Interrupt(purge bool) bool {
	s.mu.Lock()
	cur := s.cur
	res := s.res
	var purged []*pendingJob
	if purge {
		purged = s.queue
		s.queue = nil
	}
	s.mu.Unlock()

	for _, j := range purged {
		s.publish(model.NewKindError(j.jobID, j.cell.ID, model.ErrKindCancelled, "execution interrupted"))
	}
	if cur == nil || res == nil {
		return false
	}
	return res.Cancel(cur.jobID)
}

// CancelJob interrupts only when jobID is the in-flight job.
func (s *Session) CancelJob(jobID string) bool {
	s.mu.Lock()
	cur := s.cur
	res := s.res
	s.mu.Unlock()
	if cur == nil || res == nil || cur.jobID != jobID {
		return false
	}
	return res.Cancel(jobID)
}

func (s *Session) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if s.closed || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			job := s.queue[0]
			s.queue = s.queue[1:]
			s.cur = job
			s.mu.Unlock()

			s.runJob(job)

			s.mu.Lock()
			s.cur = nil
			s.mu.Unlock()
		}
	}
}

func (s *Session) runJob(job *pendingJob) {
	start := time.Now()
	s.publish(model.NewStatusEvent(model.SessionBusy, job.jobID))

	rctx, rcancel := context.WithTimeout(s.ctx, s.cfg.ReserveTimeout)
	err := s.ensureReservation(rctx)
	if err == nil {
		s.mu.Lock()
		res := s.res
		s.mu.Unlock()
		err = res.Ensure(rctx)
	}
	rcancel()
	if err != nil {
		s.finishJob(job, s.publishFailure(job, err), start)
		return
	}

	s.mu.Lock()
	res := s.res
	s.mu.Unlock()

	out, err := res.Run(s.ctx, s.specFor(job), func(ev model.Eventer) { s.publish(ev) })
	switch {
	case err != nil:
		s.finishJob(job, s.publishFailure(job, err), start)
	case out.Result != nil && out.Result.Execution.Status == model.StatusOK:
		s.applyGlobals(out.Result.Globals)
		s.publish(model.NewResultEvent(job.jobID, job.cell.ID, out.Result.Outputs, out.Result.Execution))
		s.finishJob(job, "ok", start)
	case out.Result != nil:
		// User code threw; globals still advanced up to the throw.
		s.applyGlobals(out.Result.Globals)
		s.publish(model.NewErrorEvent(job.jobID, job.cell.ID, model.ErrKindUser, extractExecError(out.Result)))
		s.finishJob(job, string(model.ErrKindUser), start)
	default:
		s.publish(model.NewKindError(job.jobID, job.cell.ID, out.Kind, out.Evalue))
		s.finishJob(job, string(out.Kind), start)
	}
}

// publishFailure maps a dispatch error to its terminal error event and
// returns the outcome tag.
func (s *Session) publishFailure(job *pendingJob, err error) string {
	kind := model.ErrKindWorkerCrashed
	evalue := "worker unavailable"
	switch {
	case s.ctx.Err() != nil || errors.Is(err, ErrSessionClosed):
		kind = model.ErrKindCancelled
		evalue = "session closed"
	case errors.Is(err, pool.ErrPoolExhausted), errors.Is(err, pool.ErrPoolClosed),
		errors.Is(err, pool.ErrReservationReleased):
		kind = model.ErrKindPoolExhausted
		evalue = "no worker available"
	case errors.Is(err, pool.ErrBusy):
		evalue = "session already running a job"
	}
	s.log.Warn("job dispatch failed",
		"session_id", s.id, "job_id", job.jobID, "kind", string(kind), "error", err)
	s.publish(model.NewKindError(job.jobID, job.cell.ID, kind, evalue))
	return string(kind)
}

func (s *Session) finishJob(job *pendingJob, outcome string, start time.Time) {
	s.publish(model.NewStatusEvent(model.SessionIdle, ""))
	s.mu.Lock()
	if len(s.subs) == 0 {
		s.emptySince = time.Now()
	}
	s.mu.Unlock()

	dur := time.Since(start)
	s.log.Info("job finished",
		"session_id", s.id, "job_id", job.jobID, "cell_id", job.cell.ID,
		"outcome", outcome, "duration_ms", dur.Milliseconds(),
		"queued_ms", start.Sub(job.enqueuedAt).Milliseconds())
	if s.telemetry != nil {
		s.telemetry.JobFinished(s.id, s.notebookID, job.jobID, job.kind, outcome, dur.Milliseconds())
	}
}

// specFor binds the worker-facing job at dispatch time: the globals map
// is the accumulated snapshot as of this instant.
func (s *Session) specFor(job *pendingJob) *model.JobSpec {
	s.mu.Lock()
	globals := s.globals
	s.mu.Unlock()
	return &model.JobSpec{
		JobID:      job.jobID,
		Kind:       job.kind,
		Cell:       job.cell,
		Code:       job.code,
		HandlerRef: job.handlerRef,
		Event:      job.event,
		Args:       job.args,
		Globals:    globals,
		Env:        s.env,
		TimeoutMs:  job.timeoutMs,
	}
}

// applyGlobals installs the worker's post-execution snapshot. The worker
// returns the complete serializable binding set, so replacing rather
// than overlaying keeps deletions effective.
func (s *Session) applyGlobals(snapshot map[string]any) {
	if snapshot == nil {
		return
	}
	s.mu.Lock()
	s.globals = snapshot
	s.mu.Unlock()
}

// Globals returns the accumulated globals map; callers must not mutate it.
func (s *Session) Globals() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globals
}

// publish is the single fan-out point: it stamps the sequence number,
// feeds the replay ring, tracks status, and delivers to every
// subscriber. Sinks that refuse the event are detached on the spot.
func (s *Session) publish(ev model.Eventer) {
	s.mu.Lock()
	s.seq++
	ev.SetSeq(s.seq)
	s.ring.Add(ev)
	if st, ok := ev.(*model.StatusEvent); ok {
		s.lastStatus = st
		s.state = st.State
	}
	var dropped []Subscriber
	for id, sub := range s.subs {
		if !sub.Send(ev) {
			delete(s.subs, id)
			dropped = append(dropped, sub)
		}
	}
	if dropped != nil && len(s.subs) == 0 {
		s.emptySince = time.Now()
	}
	s.mu.Unlock()

	for _, sub := range dropped {
		s.log.Warn("subscriber dropped",
			"session_id", s.id, "subscriber_id", sub.GetID(), "seq", ev.GetSeq())
	}
}

// Idle reports whether the reaper may close this session: no
// subscribers for at least window, nothing queued, nothing in flight.
func (s *Session) Idle(window time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed &&
		len(s.subs) == 0 &&
		s.cur == nil &&
		len(s.queue) == 0 &&
		time.Since(s.emptySince) >= window
}

// Stats snapshots the session for /statsz.
func (s *Session) Stats() model.SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.SessionStats{
		ID:          s.id,
		NotebookID:  s.notebookID,
		State:       s.state,
		Subscribers: len(s.subs),
		QueueDepth:  len(s.queue),
		InFlight:    s.cur != nil,
		CreatedAt:   s.createdAt.UnixMilli(),
	}
}

// Close tears the session down: the in-flight job is cancelled with
// grace, queued jobs get cancelled terminals, subscribers receive the
// closed event, and the reservation goes back to the pool. Idempotent.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() { s.shutdown(reason) })
}

func (s *Session) shutdown(reason string) {
	s.mu.Lock()
	s.closed = true
	cur := s.cur
	res := s.res
	queued := s.queue
	s.queue = nil
	s.mu.Unlock()

	if cur != nil && res != nil {
		res.Cancel(cur.jobID)
	}
	close(s.done)
	// Unblocks a dispatcher stuck waiting on the pool; an in-flight job
	// settles through the interrupt sent above.
	s.cancel()
	s.wg.Wait()

	for _, j := range queued {
		s.publish(model.NewKindError(j.jobID, j.cell.ID, model.ErrKindCancelled, "session closed"))
	}
	s.publish(model.NewClosedEvent(reason))

	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]Subscriber)
	res = s.res
	s.res = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	if res != nil {
		res.Release()
	}
	if s.telemetry != nil {
		s.telemetry.SessionClosed(s.id, s.notebookID, reason)
	}
	s.log.Info("session closed", "session_id", s.id, "notebook_id", s.notebookID, "reason", reason)
}

// extractExecError pulls the structured user error out of a Result's
// output list.
func extractExecError(res *model.JobResult) model.ExecError {
	for i := len(res.Outputs) - 1; i >= 0; i-- {
		if res.Outputs[i].Type == model.OutputError && res.Outputs[i].Error != nil {
			return *res.Outputs[i].Error
		}
	}
	return model.ExecError{Ename: "Error", Evalue: "execution failed"}
}
