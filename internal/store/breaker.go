package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// Interface guard
var _ NotebookStore = (*BreakerStore)(nil)

// ErrUnavailable is returned while the breaker is open: the backing
// store is failing and calls are short-circuited.
var ErrUnavailable = errors.New("store: notebook store unavailable")

// BreakerStore wraps a NotebookStore with a circuit breaker so a dying
// backend fails session creation fast instead of stacking up slow calls.
type BreakerStore struct {
	next NotebookStore
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerStore(next NotebookStore, log *slog.Logger) *BreakerStore {
	if log == nil {
		log = slog.Default()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notebook-store",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A miss is an answer, not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("notebook store breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &BreakerStore{next: next, cb: cb}
}

func (s *BreakerStore) GetNotebook(ctx context.Context, id string) (*Notebook, error) {
	v, err := s.cb.Execute(func() (any, error) {
		return s.next.GetNotebook(ctx, id)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	return v.(*Notebook), nil
}
