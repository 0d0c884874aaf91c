package session

import "github.com/nodebooks/kernel/internal/domain/model"

// replayRing is the byte-bounded tail of cell-addressed events a late
// attacher receives before the live feed. Status events are tracked
// separately by the session; only stream, display, result, and error
// events enter the ring.
type replayRing struct {
	max   int
	bytes int
	evs   []model.Eventer
}

func newReplayRing(maxBytes int) *replayRing {
	return &replayRing{max: maxBytes}
}

func replayable(ev model.Eventer) bool {
	switch ev.GetType() {
	case model.EventStream, model.EventDisplay, model.EventResult, model.EventError:
		return true
	default:
		return false
	}
}

func (r *replayRing) Add(ev model.Eventer) {
	if r.max <= 0 || !replayable(ev) {
		return
	}
	n := ev.SizeBytes()
	if n > r.max {
		// A single oversized event would evict everything and still not
		// fit; skip it rather than wipe the tail.
		return
	}
	r.evs = append(r.evs, ev)
	r.bytes += n
	for r.bytes > r.max && len(r.evs) > 0 {
		r.bytes -= r.evs[0].SizeBytes()
		r.evs[0] = nil
		r.evs = r.evs[1:]
	}
	// Reclaim the backing array once the drained prefix dominates it.
	if cap(r.evs) > 64 && len(r.evs) < cap(r.evs)/4 {
		r.evs = append([]model.Eventer(nil), r.evs...)
	}
}

// Snapshot returns the buffered tail oldest-first.
func (r *replayRing) Snapshot() []model.Eventer {
	if len(r.evs) == 0 {
		return nil
	}
	return append([]model.Eventer(nil), r.evs...)
}

func (r *replayRing) Bytes() int { return r.bytes }
func (r *replayRing) Len() int   { return len(r.evs) }
