package model

import "time"

// Interface guard
var _ Eventer = (*ResultEvent)(nil)

// ResultEvent is the terminal event of a job that produced a worker
// Result: the complete ordered output list plus the execution record.
type ResultEvent struct {
	JobID     string
	CellID    string
	Outputs   []Output
	Execution ExecutionRecord

	seq    uint64
	at     int64
	cached any
}

func NewResultEvent(jobID, cellID string, outputs []Output, exec ExecutionRecord) *ResultEvent {
	return &ResultEvent{
		JobID:     jobID,
		CellID:    cellID,
		Outputs:   outputs,
		Execution: exec,
		at:        time.Now().UnixMilli(),
	}
}

func (e *ResultEvent) GetType() EventType { return EventResult }
func (e *ResultEvent) GetJobID() string   { return e.JobID }
func (e *ResultEvent) GetCellID() string  { return e.CellID }
func (e *ResultEvent) GetSeq() uint64     { return e.seq }
func (e *ResultEvent) SetSeq(v uint64)    { e.seq = v }
func (e *ResultEvent) GetAt() int64       { return e.at }

func (e *ResultEvent) SizeBytes() int {
	n := 128
	for _, out := range e.Outputs {
		n += len(out.Text) + approxValueSize(out.Data) + 32
	}
	return n
}

func (e *ResultEvent) GetCached() any  { return e.cached }
func (e *ResultEvent) SetCached(v any) { e.cached = v }
