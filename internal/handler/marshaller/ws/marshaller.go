package wsmarshaller

import (
	"encoding/json"
	"fmt"

	"github.com/nodebooks/kernel/internal/domain/model"
)

// MarshallKernelEvent renders a session event as one client JSON frame.
// It leverages the event's cache slot so that encoding happens only
// once per event, even with multiple subscribers draining the same
// session.
func MarshallKernelEvent(ev model.Eventer) ([]byte, error) {
	//  Return cached bytes if already computed.
	if cached := ev.GetCached(); cached != nil {
		if raw, ok := cached.([]byte); ok {
			return raw, nil
		}
	}

	frame, err := frameFor(ev)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}

	// STORE: Save for the other subscribers of this fan-out.
	ev.SetCached(raw)

	return raw, nil
}

// EncodeFrame marshals a server frame that is not part of a session
// fan-out: socket-local pong and error replies.
func EncodeFrame(frame any) ([]byte, error) {
	return json.Marshal(frame)
}

// FrameKind names the wire type an event maps to, for metric labels.
func FrameKind(ev model.Eventer) string {
	switch e := ev.(type) {
	case *model.StreamEvent:
		return TypeStream
	case *model.DisplayEvent:
		if e.Update {
			return TypeUpdateDisplayData
		}
		return TypeDisplayData
	case *model.ResultEvent:
		return TypeExecuteResult
	case *model.ErrorEvent:
		return TypeError
	case *model.StatusEvent:
		return TypeStatus
	case *model.ClosedEvent:
		return TypeClosed
	default:
		return "unknown"
	}
}

// ParseClientFrame decodes one inbound WebSocket message. Unknown types
// are not an error here; the bridge decides how to treat them.
func ParseClientFrame(raw []byte) (*ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func frameFor(ev model.Eventer) (any, error) {
	switch e := ev.(type) {
	case *model.StreamEvent:
		return &StreamFrame{
			Type:   TypeStream,
			CellID: e.CellID,
			Name:   string(e.Name),
			Text:   e.Text,
		}, nil

	case *model.DisplayEvent:
		typ := TypeDisplayData
		if e.Update {
			typ = TypeUpdateDisplayData
		}
		return &DisplayDataFrame{
			Type:   typ,
			CellID: e.CellID,
			Data:   e.Data,
			ID:     e.DisplayID,
		}, nil

	case *model.ResultEvent:
		outputs := e.Outputs
		if outputs == nil {
			outputs = []model.Output{}
		}
		return &ExecuteResultFrame{
			Type:      TypeExecuteResult,
			CellID:    e.CellID,
			Outputs:   outputs,
			Execution: e.Execution,
		}, nil

	case *model.ErrorEvent:
		tb := e.Err.Traceback
		if tb == nil {
			tb = []string{}
		}
		return &ErrorFrame{
			Type:      TypeError,
			CellID:    e.CellID,
			Ename:     e.Err.Ename,
			Evalue:    e.Err.Evalue,
			Traceback: tb,
		}, nil

	case *model.StatusEvent:
		return &StatusFrame{Type: TypeStatus, State: string(e.State)}, nil

	case *model.ClosedEvent:
		return &ClosedFrame{Type: TypeClosed, Reason: e.Reason}, nil

	default:
		return nil, fmt.Errorf("wsmarshaller: no frame mapping for event type %d", ev.GetType())
	}
}
