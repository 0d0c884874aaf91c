package event

// ------------------- TOPICS (ROUTING KEYS) -----------------
const (
	TopicJobFinishedV1    = "kernel.job.finished.v1"
	TopicSessionClosedV1  = "kernel.session.closed.v1"
	TopicWorkerReplacedV1 = "kernel.worker.replaced.v1"
)

var (
	_ Exportable = JobFinishedV1{}
	_ Exportable = SessionClosedV1{}
	_ Exportable = WorkerReplacedV1{}
)

type JobFinishedV1 struct {
	SessionID  string `json:"session_id"`
	NotebookID string `json:"notebook_id"`
	JobID      string `json:"job_id"`
	Kind       string `json:"kind"`
	Outcome    string `json:"outcome"`
	DurationMs int64  `json:"duration_ms"`
	AtMs       int64  `json:"at_ms"`
}

func (JobFinishedV1) GetRoutingKey() string { return TopicJobFinishedV1 }

type SessionClosedV1 struct {
	SessionID  string `json:"session_id"`
	NotebookID string `json:"notebook_id"`
	Reason     string `json:"reason"`
	AtMs       int64  `json:"at_ms"`
}

func (SessionClosedV1) GetRoutingKey() string { return TopicSessionClosedV1 }

type WorkerReplacedV1 struct {
	WorkerID string `json:"worker_id"`
	Pid      int    `json:"pid"`
	JobsRun  uint64 `json:"jobs_run"`
	AtMs     int64  `json:"at_ms"`
}

func (WorkerReplacedV1) GetRoutingKey() string { return TopicWorkerReplacedV1 }
