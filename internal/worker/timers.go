package worker

import (
	"time"

	"github.com/dop251/goja"
)

// timer is one scheduled setTimeout/setInterval callback.
type timer struct {
	id       int64
	fn       goja.Callable
	args     []goja.Value
	due      time.Time
	interval time.Duration // zero for one-shot
}

// timerQueue is the worker's macrotask queue. Jobs are single-threaded,
// so no locking: the queue is only touched from the evaluation goroutine.
type timerQueue struct {
	nextID  int64
	pending []*timer
}

func newTimerQueue() *timerQueue {
	return &timerQueue{nextID: 1}
}

func (q *timerQueue) schedule(fn goja.Callable, args []goja.Value, delay, interval time.Duration) int64 {
	if delay < 0 {
		delay = 0
	}
	t := &timer{
		id:       q.nextID,
		fn:       fn,
		args:     args,
		due:      time.Now().Add(delay),
		interval: interval,
	}
	q.nextID++
	q.pending = append(q.pending, t)
	return t.id
}

func (q *timerQueue) clear(id int64) {
	for i, t := range q.pending {
		if t.id == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// next returns the earliest pending timer without removing it.
func (q *timerQueue) next() *timer {
	var min *timer
	for _, t := range q.pending {
		if min == nil || t.due.Before(min.due) {
			min = t
		}
	}
	return min
}

// fire removes a one-shot timer or pushes an interval's due time forward.
func (q *timerQueue) fire(t *timer) {
	if t.interval > 0 {
		t.due = time.Now().Add(t.interval)
		return
	}
	q.clear(t.id)
}

// reset abandons everything still pending; called at job boundaries.
func (q *timerQueue) reset() {
	q.pending = q.pending[:0]
}
