package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/nodebooks/kernel/internal/domain/model"
	"github.com/nodebooks/kernel/internal/domain/session"
)

// KernelMiddleware implements [DECORATOR_PATTERN] to add request
// logging around the service without touching kernel logic. Rejections
// here never reach the session's own job log, so this is the only
// place they surface.
type KernelMiddleware struct {
	Next   Kerneler
	Logger *slog.Logger
}

// NewKernelMiddleware creates a new logging decorator for the Kerneler.
func NewKernelMiddleware(next Kerneler, logger *slog.Logger) Kerneler {
	return &KernelMiddleware{
		Next:   next,
		Logger: logger,
	}
}

func (m *KernelMiddleware) Attach(ctx context.Context, sessionID, notebookID string) (session.Subscriber, error) {
	start := time.Now()

	sub, err := m.Next.Attach(ctx, sessionID, notebookID)
	if err != nil {
		m.Logger.Warn("attach rejected",
			"session_id", sessionID,
			"notebook_id", notebookID,
			"err", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil, err
	}

	m.Logger.Debug("subscriber attached",
		"session_id", sessionID,
		"subscriber_id", sub.GetID(),
	)
	return sub, nil
}

func (m *KernelMiddleware) Detach(sessionID, subscriberID string) {
	m.Next.Detach(sessionID, subscriberID)
	m.Logger.Debug("subscriber detached",
		"session_id", sessionID,
		"subscriber_id", subscriberID,
	)
}

func (m *KernelMiddleware) Execute(sessionID string, cell model.Cell, timeoutMs int) (string, error) {
	jobID, err := m.Next.Execute(sessionID, cell, timeoutMs)
	if err != nil {
		m.Logger.Warn("cell rejected before dispatch",
			"session_id", sessionID,
			"cell_id", cell.ID,
			"lang", string(cell.Language),
			"err", err,
		)
		return "", err
	}

	m.Logger.Debug("job enqueued",
		"session_id", sessionID,
		"cell_id", cell.ID,
		"job_id", jobID,
	)
	return jobID, nil
}

func (m *KernelMiddleware) InvokeHandler(sessionID, handlerRef, event string, args []any, cellID string) (string, error) {
	jobID, err := m.Next.InvokeHandler(sessionID, handlerRef, event, args, cellID)
	if err != nil {
		m.Logger.Warn("handler invocation rejected",
			"session_id", sessionID,
			"handler_ref", handlerRef,
			"event", event,
			"err", err,
		)
		return "", err
	}
	return jobID, nil
}

func (m *KernelMiddleware) Interrupt(sessionID string, purge bool) bool {
	hit := m.Next.Interrupt(sessionID, purge)
	m.Logger.Debug("interrupt",
		"session_id", sessionID,
		"purge", purge,
		"hit", hit,
	)
	return hit
}

func (m *KernelMiddleware) CloseSession(sessionID, reason string) bool {
	return m.Next.CloseSession(sessionID, reason)
}

func (m *KernelMiddleware) ListSessions(notebookID string) []model.SessionStats {
	return m.Next.ListSessions(notebookID)
}

func (m *KernelMiddleware) Stats() model.KernelStats {
	return m.Next.Stats()
}
