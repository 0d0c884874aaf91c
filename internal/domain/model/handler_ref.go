package model

import "encoding/json"

// HandlerRef is an opaque worker-assigned identifier standing in for a
// function value inside display payloads. Clients echo it back through
// invoke_handler to run the function it names.
type HandlerRef string

func (h HandlerRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"$handler": string(h)})
}
