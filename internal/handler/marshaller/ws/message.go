package wsmarshaller

import (
	"github.com/nodebooks/kernel/internal/domain/model"
)

// Client frame types.
const (
	TypeExecuteRequest   = "execute_request"
	TypeInterruptRequest = "interrupt_request"
	TypeInvokeHandler    = "invoke_handler"
	TypePing             = "ping"
)

// Server frame types.
const (
	TypeStream            = "stream"
	TypeDisplayData       = "display_data"
	TypeUpdateDisplayData = "update_display_data"
	TypeExecuteResult     = "execute_result"
	TypeError             = "error"
	TypeStatus            = "status"
	TypePong              = "pong"
	TypeClosed            = "closed"
)

// ClientFrame is the superset of fields a client may send; Type selects
// which of them are meaningful.
type ClientFrame struct {
	Type     string `json:"type"`
	CellID   string `json:"cellId,omitempty"`
	Code     string `json:"code,omitempty"`
	Language string `json:"language,omitempty"`
	// Purge extends interrupt_request to drop queued jobs too.
	Purge     bool   `json:"purge,omitempty"`
	HandlerID string `json:"handlerId,omitempty"`
	Event     string `json:"event,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// CellLanguage applies the js default for clients that omit the tag.
func (f *ClientFrame) CellLanguage() model.Language {
	if f.Language == "" {
		return model.LangJS
	}
	return model.Language(f.Language)
}

// Args normalizes the handler payload: arrays pass through as the
// argument list, any other value becomes a single argument.
func (f *ClientFrame) Args() []any {
	switch p := f.Payload.(type) {
	case nil:
		return nil
	case []any:
		return p
	default:
		return []any{p}
	}
}

type StreamFrame struct {
	Type   string `json:"type"`
	CellID string `json:"cellId"`
	Name   string `json:"name"`
	Text   string `json:"text"`
}

type DisplayDataFrame struct {
	Type   string `json:"type"`
	CellID string `json:"cellId"`
	Data   any    `json:"data"`
	// ID is present when user code pinned the display for re-rendering.
	ID string `json:"id,omitempty"`
}

type ExecuteResultFrame struct {
	Type      string                `json:"type"`
	CellID    string                `json:"cellId"`
	Outputs   []model.Output        `json:"outputs"`
	Execution model.ExecutionRecord `json:"execution"`
}

type ErrorFrame struct {
	Type      string   `json:"type"`
	CellID    string   `json:"cellId,omitempty"`
	Ename     string   `json:"ename"`
	Evalue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

type StatusFrame struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

type PongFrame struct {
	Type string `json:"type"`
}

type ClosedFrame struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}
