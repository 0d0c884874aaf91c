package session

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nodebooks/kernel/internal/domain/model"
)

// Interface guard
var _ Subscriber = (*subscriber)(nil)

// ErrSlowSubscriber marks a subscriber dropped for exceeding its send
// buffer; the transport closes such sockets with a policy-violation code.
var ErrSlowSubscriber = errors.New("session: subscriber over high water")

// Subscriber is one attached client sink. The session side calls Send;
// the transport side drains Recv and returns byte budget with Credit
// after each event is written out.
type Subscriber interface {
	GetID() string
	// Send is non-blocking. False means the subscriber is closed or was
	// just dropped for falling behind; the session detaches it either way.
	Send(ev model.Eventer) bool
	Recv() <-chan model.Eventer
	// Credit returns ev's accounted bytes after the transport consumed it.
	Credit(ev model.Eventer)
	// Done closes when the subscriber is dropped or closed.
	Done() <-chan struct{}
	// Err reports why Done closed: nil on clean close, ErrSlowSubscriber
	// when the session dropped it.
	Err() error
	Close()
}

type subscriber struct {
	id        string
	highWater int64
	ch        chan model.Eventer

	// pending approximates bytes sitting in ch.
	pending atomic.Int64
	dropped atomic.Uint64

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

// NewSubscriber builds a sink with the given byte high-water mark and
// mailbox depth.
func NewSubscriber(highWater int64, mailbox int) Subscriber {
	return &subscriber{
		id:        uuid.NewString(),
		highWater: highWater,
		ch:        make(chan model.Eventer, mailbox),
		done:      make(chan struct{}),
	}
}

func (s *subscriber) GetID() string              { return s.id }
func (s *subscriber) Recv() <-chan model.Eventer { return s.ch }
func (s *subscriber) Done() <-chan struct{}      { return s.done }

func (s *subscriber) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *subscriber) Send(ev model.Eventer) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	n := int64(ev.SizeBytes())
	if s.pending.Add(n) > s.highWater {
		s.pending.Add(-n)
		s.dropped.Add(1)
		s.fail(ErrSlowSubscriber)
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		// Mailbox slots ran out before bytes did; same verdict.
		s.pending.Add(-n)
		s.dropped.Add(1)
		s.fail(ErrSlowSubscriber)
		return false
	}
}

func (s *subscriber) Credit(ev model.Eventer) {
	s.pending.Add(-int64(ev.SizeBytes()))
}

func (s *subscriber) fail(err error) {
	s.doneOnce.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *subscriber) Close() {
	s.doneOnce.Do(func() {
		close(s.done)
	})
}
