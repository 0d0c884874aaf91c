package wire

import (
	"github.com/nodebooks/kernel/internal/domain/model"
)

// ControlType discriminates host-to-worker control messages.
type ControlType string

const (
	ControlRunCell       ControlType = "run_cell"
	ControlInvokeHandler ControlType = "invoke_handler"
	ControlCancel        ControlType = "cancel"
	ControlPing          ControlType = "ping"
)

// ControlMessage is the host-to-worker union, one JSON document per line
// on the control channel.
type ControlMessage struct {
	Type ControlType `json:"type"`
	// Job is present for run_cell and invoke_handler.
	Job *JobPayload `json:"job,omitempty"`
	// JobID identifies the cancel target.
	JobID  string `json:"job_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// JobPayload carries one job across the process boundary.
type JobPayload struct {
	JobID     string            `json:"job_id"`
	CellID    string            `json:"cell_id,omitempty"`
	Code      string            `json:"code,omitempty"`
	Handler   string            `json:"handler,omitempty"`
	Event     string            `json:"event,omitempty"`
	Args      []any             `json:"args,omitempty"`
	Globals   map[string]any    `json:"globals,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Packages  map[string]string `json:"packages,omitempty"`
	TimeoutMs int               `json:"timeout_ms,omitempty"`
	BatchMs   int               `json:"batch_ms,omitempty"`
}

// WorkerEventType discriminates worker-to-host event records.
type WorkerEventType string

const (
	EventAck    WorkerEventType = "ack"
	EventResult WorkerEventType = "result"
	EventError  WorkerEventType = "error"
	EventPong   WorkerEventType = "pong"
)

// EventMessage is the worker-to-host union carried in event records on
// the event channel, interleaved with stream frames.
type EventMessage struct {
	Type  WorkerEventType `json:"type"`
	JobID string          `json:"job_id,omitempty"`
	// Result is present for result events.
	Result *model.JobResult `json:"result,omitempty"`
	// Error reports a worker-level failure outside the normal result path.
	Error *model.ExecError `json:"error,omitempty"`
}
