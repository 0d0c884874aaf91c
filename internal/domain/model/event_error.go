package model

import "time"

// Interface guard
var _ Eventer = (*ErrorEvent)(nil)

// ErrorEvent surfaces a failure to clients. It is either the relay of a
// user error captured by the worker, or a synthesized terminal for
// timeout, interrupt, output-limit, and crash paths.
type ErrorEvent struct {
	JobID  string
	CellID string
	Kind   ErrorKind
	Err    ExecError

	seq    uint64
	at     int64
	cached any
}

func NewErrorEvent(jobID, cellID string, kind ErrorKind, execErr ExecError) *ErrorEvent {
	return &ErrorEvent{
		JobID:  jobID,
		CellID: cellID,
		Kind:   kind,
		Err:    execErr,
		at:     time.Now().UnixMilli(),
	}
}

// NewKindError synthesizes the canonical error for an infrastructure
// failure kind, e.g. timeout or worker crash.
func NewKindError(jobID, cellID string, kind ErrorKind, evalue string) *ErrorEvent {
	return NewErrorEvent(jobID, cellID, kind, ExecError{
		Ename:  kind.Ename(),
		Evalue: evalue,
	})
}

func (e *ErrorEvent) GetType() EventType { return EventError }
func (e *ErrorEvent) GetJobID() string   { return e.JobID }
func (e *ErrorEvent) GetCellID() string  { return e.CellID }
func (e *ErrorEvent) GetSeq() uint64     { return e.seq }
func (e *ErrorEvent) SetSeq(v uint64)    { e.seq = v }
func (e *ErrorEvent) GetAt() int64       { return e.at }

func (e *ErrorEvent) SizeBytes() int {
	n := len(e.Err.Ename) + len(e.Err.Evalue) + 96
	for _, line := range e.Err.Traceback {
		n += len(line) + 2
	}
	return n
}

func (e *ErrorEvent) GetCached() any  { return e.cached }
func (e *ErrorEvent) SetCached(v any) { e.cached = v }
