package model

import "time"

// Interface guard
var _ Eventer = (*DisplayEvent)(nil)

// DisplayEvent carries one structured value emitted via display().
// When DisplayID is set and Update is true the client should replace the
// previous render under the same id instead of appending a new one.
type DisplayEvent struct {
	JobID     string
	CellID    string
	Data      any
	DisplayID string
	Update    bool

	seq    uint64
	at     int64
	cached any
}

func NewDisplayEvent(jobID, cellID string, data any, displayID string, update bool) *DisplayEvent {
	return &DisplayEvent{
		JobID:     jobID,
		CellID:    cellID,
		Data:      data,
		DisplayID: displayID,
		Update:    update,
		at:        time.Now().UnixMilli(),
	}
}

func (e *DisplayEvent) GetType() EventType { return EventDisplay }
func (e *DisplayEvent) GetJobID() string   { return e.JobID }
func (e *DisplayEvent) GetCellID() string  { return e.CellID }
func (e *DisplayEvent) GetSeq() uint64     { return e.seq }
func (e *DisplayEvent) SetSeq(v uint64)    { e.seq = v }
func (e *DisplayEvent) GetAt() int64       { return e.at }
func (e *DisplayEvent) SizeBytes() int     { return approxValueSize(e.Data) + 96 }

func (e *DisplayEvent) GetCached() any  { return e.cached }
func (e *DisplayEvent) SetCached(v any) { e.cached = v }
