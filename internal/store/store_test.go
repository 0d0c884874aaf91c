package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/nodebooks/kernel/internal/domain/model"
)

func TestMemoryStorePutGet(t *testing.T) {
	s := NewMemoryStore()
	s.Put(&Notebook{ID: "nb1", Env: model.NotebookEnv{
		NotebookID: "nb1",
		Packages:   map[string]string{"lodash": "^4"},
	}})

	nb, err := s.GetNotebook(context.Background(), "nb1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if nb.Env.Packages["lodash"] != "^4" {
		t.Fatalf("env = %+v", nb.Env)
	}

	if _, err := s.GetNotebook(context.Background(), "unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("miss err = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreOpenCreate(t *testing.T) {
	s := NewMemoryStore(WithOpenCreate(true))

	nb, err := s.GetNotebook(context.Background(), "fresh")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if nb.ID != "fresh" || nb.Env.NotebookID != "fresh" {
		t.Fatalf("notebook = %+v", nb)
	}

	again, err := s.GetNotebook(context.Background(), "fresh")
	if err != nil || again != nb {
		t.Fatalf("second get = %+v, %v", again, err)
	}
}

type failingStore struct {
	calls int
	err   error
}

func (f *failingStore) GetNotebook(ctx context.Context, id string) (*Notebook, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return nil, ErrNotFound
}

func TestBreakerOpensOnConsecutiveFailures(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	inner := &failingStore{err: errors.New("backend down")}
	s := NewBreakerStore(inner, log)

	for i := 0; i < 5; i++ {
		if _, err := s.GetNotebook(context.Background(), "nb"); err == nil {
			t.Fatal("expected failure")
		}
	}
	// Breaker is open now; the backend must not be called again.
	before := inner.calls
	if _, err := s.GetNotebook(context.Background(), "nb"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if inner.calls != before {
		t.Fatal("open breaker still called the backend")
	}
}

func TestBreakerIgnoresNotFound(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	inner := &failingStore{}
	s := NewBreakerStore(inner, log)

	for i := 0; i < 20; i++ {
		if _, err := s.GetNotebook(context.Background(), "nb"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("call %d err = %v, want ErrNotFound passed through", i, err)
		}
	}
}
