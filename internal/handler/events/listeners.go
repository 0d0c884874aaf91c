package events

import (
	"context"

	"github.com/nodebooks/kernel/internal/domain/event"
)

// [ON_JOB_FINISHED]
// Feeds the outcome counter and the duration histogram.
func (h *StatsHandler) OnJobFinishedV1(ctx context.Context, ev *event.JobFinishedV1) error {
	h.metrics.RecordJob(ctx, ev.Outcome, ev.DurationMs)
	h.logger.Debug("JOB_FINISHED",
		"session_id", ev.SessionID,
		"job_id", ev.JobID,
		"kind", ev.Kind,
		"outcome", ev.Outcome,
		"duration_ms", ev.DurationMs)
	return nil
}

// [ON_SESSION_CLOSED]
func (h *StatsHandler) OnSessionClosedV1(ctx context.Context, ev *event.SessionClosedV1) error {
	h.logger.Info("SESSION_CLOSED",
		"session_id", ev.SessionID,
		"notebook_id", ev.NotebookID,
		"reason", ev.Reason)
	return nil
}

// [ON_WORKER_REPLACED]
func (h *StatsHandler) OnWorkerReplacedV1(ctx context.Context, ev *event.WorkerReplacedV1) error {
	h.metrics.RecordRespawn(ctx)
	h.logger.Warn("WORKER_REPLACED",
		"worker_id", ev.WorkerID,
		"pid", ev.Pid,
		"jobs_run", ev.JobsRun)
	return nil
}
