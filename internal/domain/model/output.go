package model

// StreamName selects which standard stream a text chunk belongs to.
type StreamName string

const (
	StreamStdout StreamName = "stdout"
	StreamStderr StreamName = "stderr"
)

// OutputType discriminates entries in a job's ordered output list.
type OutputType string

const (
	OutputStream  OutputType = "stream"
	OutputDisplay OutputType = "display"
	OutputError   OutputType = "error"
)

// Output is one entry of a job's output list: a coalesced stream chunk,
// a display value, or a captured user error.
type Output struct {
	Type OutputType `json:"type"`
	Name StreamName `json:"name,omitempty"`
	Text string     `json:"text,omitempty"`
	Data any        `json:"data,omitempty"`
	// DisplayID is set when user code pinned the display for later updates.
	DisplayID string     `json:"display_id,omitempty"`
	Error     *ExecError `json:"error,omitempty"`
}

// ExecutionRecord summarizes one run of one cell.
type ExecutionRecord struct {
	Started int64     `json:"started"`
	Ended   int64     `json:"ended"`
	Status  JobStatus `json:"status"`
}
