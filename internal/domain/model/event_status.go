package model

import "time"

// Interface guards
var (
	_ Eventer = (*StatusEvent)(nil)
	_ Eventer = (*ClosedEvent)(nil)
)

// StatusEvent advertises the session's idle/busy transitions.
type StatusEvent struct {
	State SessionState
	JobID string

	seq    uint64
	at     int64
	cached any
}

func NewStatusEvent(state SessionState, jobID string) *StatusEvent {
	return &StatusEvent{State: state, JobID: jobID, at: time.Now().UnixMilli()}
}

func (e *StatusEvent) GetType() EventType { return EventStatus }
func (e *StatusEvent) GetJobID() string   { return e.JobID }
func (e *StatusEvent) GetCellID() string  { return "" }
func (e *StatusEvent) GetSeq() uint64     { return e.seq }
func (e *StatusEvent) SetSeq(v uint64)    { e.seq = v }
func (e *StatusEvent) GetAt() int64       { return e.at }
func (e *StatusEvent) SizeBytes() int     { return 64 }

func (e *StatusEvent) GetCached() any  { return e.cached }
func (e *StatusEvent) SetCached(v any) { e.cached = v }

// ClosedEvent is the last event a session ever publishes.
type ClosedEvent struct {
	Reason string

	seq    uint64
	at     int64
	cached any
}

func NewClosedEvent(reason string) *ClosedEvent {
	return &ClosedEvent{Reason: reason, at: time.Now().UnixMilli()}
}

func (e *ClosedEvent) GetType() EventType { return EventClosed }
func (e *ClosedEvent) GetJobID() string   { return "" }
func (e *ClosedEvent) GetCellID() string  { return "" }
func (e *ClosedEvent) GetSeq() uint64     { return e.seq }
func (e *ClosedEvent) SetSeq(v uint64)    { e.seq = v }
func (e *ClosedEvent) GetAt() int64       { return e.at }
func (e *ClosedEvent) SizeBytes() int     { return len(e.Reason) + 48 }

func (e *ClosedEvent) GetCached() any  { return e.cached }
func (e *ClosedEvent) SetCached(v any) { e.cached = v }
