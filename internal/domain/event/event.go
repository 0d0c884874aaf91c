// Package event declares the kernel's outgoing bus events. Payloads
// carry ids and outcomes only, never cell output.
package event

// Exportable defines an event that is re-published to the message bus.
type Exportable interface {
	GetRoutingKey() string
}
