package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nodebooks/kernel/internal/domain/model"
	"github.com/nodebooks/kernel/internal/domain/session"
	"github.com/nodebooks/kernel/internal/pool"
	"github.com/nodebooks/kernel/internal/transpile"
)

// Interface guard
var _ Kerneler = (*KernelService)(nil)

// [KERNEL_SERVICE] PRIMARY INTERFACE FOR TRANSPORT HANDLERS (WebSocket/HTTP)
type Kerneler interface {
	// Attach resolves (or creates) the session and registers a sink on
	// it. The subscriber's first events are the replay snapshot.
	Attach(ctx context.Context, sessionID, notebookID string) (session.Subscriber, error)
	Detach(sessionID, subscriberID string)
	// Execute gates the cell through the transpiler and enqueues it.
	// Error-severity diagnostics fail the call before the pool is
	// involved.
	Execute(sessionID string, cell model.Cell, timeoutMs int) (string, error)
	InvokeHandler(sessionID, handlerRef, event string, args []any, cellID string) (string, error)
	Interrupt(sessionID string, purge bool) bool
	CloseSession(sessionID, reason string) bool
	// ListSessions enumerates live sessions, optionally for one notebook.
	ListSessions(notebookID string) []model.SessionStats
	Stats() model.KernelStats
}

var (
	ErrSessionRequired = errors.New("service: session id required")
	ErrSessionNotFound = errors.New("service: unknown session")
	ErrCellRequired    = errors.New("service: cell id required")
	ErrHandlerRequired = errors.New("service: handler ref required")
)

// CompileError carries the diagnostics that stopped a cell before it
// reached the queue.
type CompileError struct {
	Diagnostics []transpile.Diagnostic
}

func (e *CompileError) Error() string {
	if len(e.Diagnostics) == 0 {
		return "cell failed to compile"
	}
	d := e.Diagnostics[0]
	return fmt.Sprintf("%d:%d %s", d.Line, d.Col, d.Message)
}

// Unwrap keeps errors.Is(err, transpile.ErrDiagnostics) working across
// the service boundary.
func (e *CompileError) Unwrap() error { return transpile.ErrDiagnostics }

type KernelService struct {
	sessions   *session.Manager
	pool       pool.Pooler
	transpiler transpile.Transpiler
	startedAt  time.Time
}

// NewKernelService returns a production-ready instance of the service.
func NewKernelService(sessions *session.Manager, p pool.Pooler, tr transpile.Transpiler) *KernelService {
	return &KernelService{
		sessions:   sessions,
		pool:       p,
		transpiler: tr,
		startedAt:  time.Now(),
	}
}

// [ATTACH] HANDLES SUBSCRIBER LIFECYCLE INITIATION
func (s *KernelService) Attach(ctx context.Context, sessionID, notebookID string) (session.Subscriber, error) {
	if sessionID == "" {
		return nil, ErrSessionRequired
	}

	sess, err := s.sessions.Get(ctx, sessionID, notebookID)
	if err != nil {
		return nil, err
	}

	return sess.Attach(ctx)
}

// Detach unregisters one sink. Other subscribers and the session itself
// stay up; idle sessions are reclaimed by the manager's reaper.
func (s *KernelService) Detach(sessionID, subscriberID string) {
	if sess, ok := s.sessions.Lookup(sessionID); ok {
		sess.Detach(subscriberID)
	}
}

// [EXECUTE] TRANSPILE GATE, THEN FIFO ENQUEUE
func (s *KernelService) Execute(sessionID string, cell model.Cell, timeoutMs int) (string, error) {
	if cell.ID == "" {
		return "", ErrCellRequired
	}
	sess, ok := s.sessions.Lookup(sessionID)
	if !ok {
		return "", ErrSessionNotFound
	}

	res, err := s.transpiler.Transpile(cell.Source, cell.Language)
	if err != nil {
		if errors.Is(err, transpile.ErrDiagnostics) {
			return "", &CompileError{Diagnostics: res.Diagnostics}
		}
		return "", err
	}

	return sess.Execute(cell, res.Code, timeoutMs)
}

// InvokeHandler enqueues a handler-invocation job. Same lifecycle as
// Execute, minus the transpile step.
func (s *KernelService) InvokeHandler(sessionID, handlerRef, event string, args []any, cellID string) (string, error) {
	if handlerRef == "" {
		return "", ErrHandlerRequired
	}
	sess, ok := s.sessions.Lookup(sessionID)
	if !ok {
		return "", ErrSessionNotFound
	}

	return sess.InvokeHandler(handlerRef, event, args, cellID)
}

// Interrupt cancels the session's in-flight job; purge drops the queue
// behind it too.
func (s *KernelService) Interrupt(sessionID string, purge bool) bool {
	return s.sessions.Interrupt(sessionID, purge)
}

func (s *KernelService) CloseSession(sessionID, reason string) bool {
	return s.sessions.Close(sessionID, reason)
}

func (s *KernelService) ListSessions(notebookID string) []model.SessionStats {
	return s.sessions.List(notebookID)
}

// Stats assembles the snapshot served at /statsz.
func (s *KernelService) Stats() model.KernelStats {
	return model.KernelStats{
		Pool:     s.pool.Stats(),
		Sessions: s.sessions.Stats(),
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
	}
}
