package pool

import (
	"context"
	"sync"

	"github.com/nodebooks/kernel/internal/domain/model"
	"github.com/nodebooks/kernel/internal/runner"
)

// Reservation is a session's exclusive claim on one worker at a time.
// The claim outlives any single worker: when a job retires its worker,
// the next Run binds a fresh one from the pool.
type Reservation struct {
	pool *Pool

	mu       sync.Mutex
	r        *runner.Runner
	busy     bool
	released bool
}

// Ensure rebinds a live worker when the current one is gone. It is the
// bounded-wait half of dispatch: sessions call it with a reserve
// deadline, then Run with their long-lived context.
func (res *Reservation) Ensure(ctx context.Context) error {
	res.mu.Lock()
	if res.released {
		res.mu.Unlock()
		return ErrReservationReleased
	}
	r := res.r
	res.mu.Unlock()
	if r != nil && r.Alive() {
		return nil
	}

	fresh, err := res.pool.acquire(ctx)
	if err != nil {
		return err
	}
	res.mu.Lock()
	if res.released {
		res.mu.Unlock()
		res.pool.releaseRunner(fresh)
		return ErrReservationReleased
	}
	res.r = fresh
	res.mu.Unlock()
	return nil
}

// Run dispatches one job on the reserved worker and returns its terminal
// outcome. At most one job runs per reservation; a second concurrent call
// fails fast with ErrBusy. Rebinding after a retirement can block on the
// pool and reports ErrPoolExhausted when ctx expires first.
func (res *Reservation) Run(ctx context.Context, job *model.JobSpec, sink runner.Sink) (runner.Outcome, error) {
	res.mu.Lock()
	if res.released {
		res.mu.Unlock()
		return runner.Outcome{}, ErrReservationReleased
	}
	if res.busy {
		res.mu.Unlock()
		return runner.Outcome{}, ErrBusy
	}
	res.busy = true
	r := res.r
	res.mu.Unlock()

	defer res.settle()

	if r == nil || !r.Alive() {
		fresh, err := res.pool.acquire(ctx)
		if err != nil {
			return runner.Outcome{}, err
		}
		res.mu.Lock()
		res.r = fresh
		res.mu.Unlock()
		r = fresh
	}

	res.pool.bindJob(job.JobID, r)
	out := r.Run(ctx, job, sink)
	res.pool.unbindJob(job.JobID)
	res.pool.accountOutcome(out)

	if out.Retire {
		r.Kill()
	}
	return out, nil
}

// settle clears the busy flag and finishes a Release that arrived while
// the job was still in flight.
func (res *Reservation) settle() {
	res.mu.Lock()
	res.busy = false
	var late *runner.Runner
	if res.released && res.r != nil {
		late = res.r
		res.r = nil
	}
	res.mu.Unlock()
	if late != nil {
		res.pool.releaseRunner(late)
	}
}

// Cancel interrupts the reservation's in-flight job if jobID matches.
func (res *Reservation) Cancel(jobID string) bool {
	res.mu.Lock()
	r := res.r
	res.mu.Unlock()
	if r == nil {
		return false
	}
	return r.Interrupt(jobID)
}

// WorkerID names the currently bound worker; empty when unbound.
func (res *Reservation) WorkerID() string {
	res.mu.Lock()
	defer res.mu.Unlock()
	if res.r == nil {
		return ""
	}
	return res.r.ID()
}

// Release returns the worker to the pool. Safe to call more than once.
// If a job is still in flight the worker is handed back when it settles.
func (res *Reservation) Release() {
	res.mu.Lock()
	if res.released {
		res.mu.Unlock()
		return
	}
	res.released = true
	var r *runner.Runner
	if !res.busy {
		r = res.r
		res.r = nil
	}
	res.mu.Unlock()

	res.pool.mu.Lock()
	res.pool.reserved--
	res.pool.mu.Unlock()

	if r != nil {
		res.pool.releaseRunner(r)
	}
}
