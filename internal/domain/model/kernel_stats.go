package model

// KernelStats is the snapshot served by /statsz and rendered by the
// terminal dashboard.
type KernelStats struct {
	Pool     PoolStats      `json:"pool"`
	Sessions []SessionStats `json:"sessions,omitempty"`
	UptimeMs int64          `json:"uptime_ms"`
}

type PoolStats struct {
	Size     int `json:"size"`
	Live     int `json:"live"`
	Reserved int `json:"reserved"`
	// Respawns counts worker replacements since start.
	Respawns uint64 `json:"respawns"`
	// Jobs counts terminal events by outcome tag.
	Jobs map[string]uint64 `json:"jobs,omitempty"`
}

type SessionStats struct {
	ID          string       `json:"id"`
	NotebookID  string       `json:"notebook_id"`
	State       SessionState `json:"state"`
	Subscribers int          `json:"subscribers"`
	QueueDepth  int          `json:"queue_depth"`
	InFlight    bool         `json:"in_flight"`
	CreatedAt   int64        `json:"created_at"`
}
