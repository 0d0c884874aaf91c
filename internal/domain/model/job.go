package model

// Language identifies the dialect of a cell's source text.
type Language string

const (
	LangJS Language = "js"
	LangTS Language = "ts"
)

// Cell is the unit of code a client asks the kernel to run.
type Cell struct {
	ID       string
	Source   string
	Language Language
}

// NotebookEnv carries the per-notebook configuration a worker is seeded with.
type NotebookEnv struct {
	NotebookID string
	// Packages maps module name to the version range declared by the notebook.
	// Only names listed here resolve inside the sandbox.
	Packages map[string]string
	// Vars are the environment variables exposed to notebook code.
	Vars map[string]string
}

// JobKind separates ordinary cell runs from UI handler invocations.
type JobKind int16

const (
	// [ZERO_VALUE_GUARD] start from 1 to distinguish from uninitialized data
	JobCell JobKind = iota + 1
	JobHandler
)

func (k JobKind) String() string {
	switch k {
	case JobCell:
		return "cell"
	case JobHandler:
		return "handler"
	default:
		return "unknown"
	}
}

// JobSpec is everything a worker needs to evaluate one job.
type JobSpec struct {
	JobID string
	Kind  JobKind
	Cell  Cell
	// Code is the post-transpile module source actually evaluated.
	Code string
	// HandlerRef names the registered handler for JobHandler jobs.
	HandlerRef string
	// Event and Args carry the invocation payload for JobHandler jobs.
	Event string
	Args  []any
	// Globals is the session's accumulated globals snapshot at dispatch time.
	Globals map[string]any
	Env     NotebookEnv
	// TimeoutMs is the evaluation budget, already clamped by the session.
	TimeoutMs int
}

// JobStatus is the terminal disposition recorded for a job.
type JobStatus string

const (
	StatusOK      JobStatus = "ok"
	StatusError   JobStatus = "error"
	StatusAborted JobStatus = "aborted"
)

// ExecError is the structured failure surfaced to clients.
type ExecError struct {
	Ename     string   `json:"ename"`
	Evalue    string   `json:"evalue"`
	Traceback []string `json:"traceback,omitempty"`
}

// JobResult is the worker's final word on a job: the complete ordered
// output list, the execution record, and the globals snapshot to merge
// into the session. Globals stays nil for aborted jobs; an empty map
// means the job cleared every top-level binding.
type JobResult struct {
	JobID     string          `json:"job_id"`
	Outputs   []Output        `json:"outputs"`
	Execution ExecutionRecord `json:"execution"`
	Globals   map[string]any  `json:"globals"`
}
