package pubsub

import (
	"context"
	"log/slog"
	"time"

	"github.com/nodebooks/kernel/internal/domain/event"
	"github.com/nodebooks/kernel/internal/domain/model"
	"github.com/nodebooks/kernel/internal/domain/session"
	"github.com/nodebooks/kernel/internal/pool"
)

var (
	_ session.Telemetry = (*Telemetry)(nil)
	_ pool.Telemetry    = (*Telemetry)(nil)
)

// Telemetry fans session and pool lifecycle notifications onto the bus.
// Callers treat it as fire-and-forget, so publish failures only log.
type Telemetry struct {
	dispatcher EventDispatcher
	logger     *slog.Logger
}

func NewTelemetry(dispatcher EventDispatcher, logger *slog.Logger) *Telemetry {
	return &Telemetry{
		dispatcher: dispatcher,
		logger:     logger,
	}
}

func (t *Telemetry) JobFinished(sessionID, notebookID, jobID string, kind model.JobKind, outcome string, durationMs int64) {
	t.publish(event.JobFinishedV1{
		SessionID:  sessionID,
		NotebookID: notebookID,
		JobID:      jobID,
		Kind:       kind.String(),
		Outcome:    outcome,
		DurationMs: durationMs,
		AtMs:       time.Now().UnixMilli(),
	})
}

func (t *Telemetry) SessionClosed(sessionID, notebookID, reason string) {
	t.publish(event.SessionClosedV1{
		SessionID:  sessionID,
		NotebookID: notebookID,
		Reason:     reason,
		AtMs:       time.Now().UnixMilli(),
	})
}

func (t *Telemetry) WorkerReplaced(workerID string, pid int, jobsRun uint64) {
	t.publish(event.WorkerReplacedV1{
		WorkerID: workerID,
		Pid:      pid,
		JobsRun:  jobsRun,
		AtMs:     time.Now().UnixMilli(),
	})
}

func (t *Telemetry) publish(ev event.Exportable) {
	if err := t.dispatcher.Publish(context.Background(), ev); err != nil {
		t.logger.Warn("telemetry publish failed", "topic", ev.GetRoutingKey(), "error", err)
	}
}
