// Package store resolves notebooks for session creation. The kernel
// itself persists nothing; the store is the read-side contract against
// whatever system of record hosts notebook metadata.
package store

import (
	"context"
	"errors"

	"github.com/nodebooks/kernel/internal/domain/model"
)

// ErrNotFound means the notebook id resolves to nothing; sessions must
// not be created for it.
var ErrNotFound = errors.New("store: notebook not found")

// Notebook is the slice of notebook metadata the kernel needs: identity
// plus the environment its workers are seeded with.
type Notebook struct {
	ID  string
	Env model.NotebookEnv
}

// NotebookStore defines the gateway for notebook resolution.
type NotebookStore interface {
	GetNotebook(ctx context.Context, id string) (*Notebook, error)
}
