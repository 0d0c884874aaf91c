package model

import "time"

// Interface guard
var _ Eventer = (*StreamEvent)(nil)

// StreamEvent is one coalesced chunk of stdout or stderr produced by a job.
type StreamEvent struct {
	JobID  string
	CellID string
	Name   StreamName
	Text   string

	seq    uint64
	at     int64
	cached any
}

func NewStreamEvent(jobID, cellID string, name StreamName, text string) *StreamEvent {
	return &StreamEvent{
		JobID:  jobID,
		CellID: cellID,
		Name:   name,
		Text:   text,
		at:     time.Now().UnixMilli(),
	}
}

func (e *StreamEvent) GetType() EventType { return EventStream }
func (e *StreamEvent) GetJobID() string   { return e.JobID }
func (e *StreamEvent) GetCellID() string  { return e.CellID }
func (e *StreamEvent) GetSeq() uint64     { return e.seq }
func (e *StreamEvent) SetSeq(v uint64)    { e.seq = v }
func (e *StreamEvent) GetAt() int64       { return e.at }
func (e *StreamEvent) SizeBytes() int     { return len(e.Text) + 64 }

func (e *StreamEvent) GetCached() any  { return e.cached }
func (e *StreamEvent) SetCached(v any) { e.cached = v }
