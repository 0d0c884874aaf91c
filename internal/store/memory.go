package store

import (
	"context"
	"sync"

	"github.com/nodebooks/kernel/internal/domain/model"
)

// Interface guard
var _ NotebookStore = (*MemoryStore)(nil)

// MemoryStore keeps notebooks in a map. It backs standalone deployments
// and tests; production wires a real backend behind the same interface.
type MemoryStore struct {
	mu        sync.RWMutex
	notebooks map[string]*Notebook

	// openCreate makes unknown ids resolve to a fresh empty notebook
	// instead of ErrNotFound.
	openCreate bool
}

// MemoryOption configures the in-memory store.
type MemoryOption func(*MemoryStore)

// WithOpenCreate lets unknown notebook ids resolve to an empty notebook.
// This is the standalone-kernel mode where no catalog exists.
func WithOpenCreate(on bool) MemoryOption {
	return func(s *MemoryStore) {
		s.openCreate = on
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{notebooks: make(map[string]*Notebook)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put registers or replaces a notebook.
func (s *MemoryStore) Put(nb *Notebook) {
	s.mu.Lock()
	s.notebooks[nb.ID] = nb
	s.mu.Unlock()
}

func (s *MemoryStore) GetNotebook(ctx context.Context, id string) (*Notebook, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	nb, ok := s.notebooks[id]
	s.mu.RUnlock()
	if ok {
		return nb, nil
	}
	if !s.openCreate {
		return nil, ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if nb, ok = s.notebooks[id]; ok {
		return nb, nil
	}
	nb = &Notebook{ID: id, Env: model.NotebookEnv{NotebookID: id}}
	s.notebooks[id] = nb
	return nb, nil
}
