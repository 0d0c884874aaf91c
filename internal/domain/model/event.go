package model

// EventType discriminates the packets a session fans out to subscribers.
type EventType int16

const (
	EventStatus EventType = iota + 1 // [SYSTEM]
	EventStream                      // [OUTPUT]
	EventDisplay
	EventResult
	EventError
	EventClosed
)

// SessionState is the coarse state a session advertises to clients.
type SessionState string

const (
	SessionIdle SessionState = "idle"
	SessionBusy SessionState = "busy"
)

// Eventer defines the contract for all data packets flowing from a session
// to its subscribers. Seq is stamped by the session at publish time and
// orders the replay buffer.
type Eventer interface {
	GetType() EventType
	GetJobID() string
	GetCellID() string
	GetSeq() uint64
	SetSeq(uint64)
	GetAt() int64
	// SizeBytes approximates the wire cost for subscriber byte accounting.
	SizeBytes() int
	// GetCached and SetCached let the transport layer marshal an event
	// exactly once per fan-out group.
	GetCached() any
	SetCached(any)
}

// approxValueSize is a cheap wire-cost estimate for structured payloads.
func approxValueSize(v any) int {
	switch t := v.(type) {
	case nil:
		return 4
	case bool:
		return 5
	case string:
		return len(t) + 2
	case float64, int64, int:
		return 12
	case []any:
		n := 2
		for _, e := range t {
			n += approxValueSize(e) + 1
		}
		return n
	case map[string]any:
		n := 2
		for k, e := range t {
			n += len(k) + 3 + approxValueSize(e) + 1
		}
		return n
	default:
		return 64
	}
}
