package lpmarshaller

import (
	"encoding/json"

	"github.com/nodebooks/kernel/internal/domain/model"
	wsmarshaller "github.com/nodebooks/kernel/internal/handler/marshaller/ws"
)

// LPEvent wraps one kernel frame with the sequence a poller resumes at.
type LPEvent struct {
	Seq   uint64          `json:"seq"`
	Frame json.RawMessage `json:"frame"`
}

// Response defines the top-level JSON batch to support event batching.
type Response struct {
	Events []LPEvent `json:"events"`
	// Cursor is the highest sequence in the batch; clients pass it back
	// as ?after= to skip frames they already hold.
	Cursor uint64 `json:"cursor"`
}

// MarshallEvents converts a slice of session events into a single JSON
// batch. Frames come through the shared per-event cache, so a WebSocket
// subscriber on the same session pays the encoding only once.
func MarshallEvents(events []model.Eventer) ([]byte, error) {
	res := Response{
		Events: make([]LPEvent, 0, len(events)),
	}

	for _, ev := range events {
		raw, err := wsmarshaller.MarshallKernelEvent(ev)
		if err != nil {
			return nil, err
		}
		res.Events = append(res.Events, LPEvent{Seq: ev.GetSeq(), Frame: raw})
		if s := ev.GetSeq(); s > res.Cursor {
			res.Cursor = s
		}
	}

	return json.Marshal(res)
}
