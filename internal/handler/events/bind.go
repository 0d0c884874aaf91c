package events

import (
	"context"
	"encoding/json"
	"runtime/debug"

	"github.com/ThreeDotsLabs/watermill/message"
)

// StatsHandlerFunc is the functional signature for bus listeners.
type StatsHandlerFunc[T any] func(ctx context.Context, payload *T) error

// [INFRASTRUCTURE_BRIDGE]
// Bind connects Watermill to a listener, handling Panic Recovery and
// Poison Pill decoding.
func Bind[T any](h *StatsHandler, fn StatsHandlerFunc[T]) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		// [PANIC_RECOVERY]
		// Safely handle runtime panics to keep the consumer alive.
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("PANIC_RECOVERED",
					"err", r,
					"stack", string(debug.Stack()),
					"msg_id", msg.UUID)
			}
		}()

		// [DECODING]
		payload := new(T)
		if err := json.Unmarshal(msg.Payload, payload); err != nil {
			h.logger.Error("DECODE_FAILED", "err", err, "msg_id", msg.UUID)
			return nil // ACK: Poison Pill protection.
		}

		// [EXECUTION]
		return fn(msg.Context(), payload)
	}
}
