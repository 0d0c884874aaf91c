package worker

import (
	"fmt"

	"github.com/dop251/goja"
)

// jsFunc is how goja exports a JS function value to Go.
type jsFunc = func(goja.FunctionCall) goja.Value

// handlerRegistry keeps callback functions captured from display payloads.
// Refs are stable for the lifetime of the worker process, so a UI event can
// invoke a handler registered many cells ago as long as the worker survives.
type handlerRegistry struct {
	nextID int64
	byRef  map[string]jsFunc
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{nextID: 1, byRef: make(map[string]jsFunc)}
}

func (r *handlerRegistry) register(fn jsFunc) string {
	ref := fmt.Sprintf("h_%d", r.nextID)
	r.nextID++
	r.byRef[ref] = fn
	return ref
}

func (r *handlerRegistry) lookup(ref string) (jsFunc, bool) {
	fn, ok := r.byRef[ref]
	return fn, ok
}

func (r *handlerRegistry) len() int {
	return len(r.byRef)
}
