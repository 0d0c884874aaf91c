package worker

import (
	"encoding/base64"
	"fmt"
	"reflect"
	"time"

	"github.com/dop251/goja"

	"github.com/nodebooks/kernel/internal/domain/model"
	"github.com/nodebooks/kernel/internal/wire"
)

const sanitizeMaxDepth = 64

// sanitizeMode selects what happens to function values during a walk.
type sanitizeMode int

const (
	// sanitizeDisplay turns functions into handler refs so UI callbacks
	// survive serialization.
	sanitizeDisplay sanitizeMode = iota
	// sanitizeGlobals drops functions; only plain data crosses the job
	// boundary in the globals snapshot.
	sanitizeGlobals
)

type sanitizer struct {
	mode sanitizeMode
	reg  *handlerRegistry
	seen map[uintptr]struct{}
}

// sanitizeValue normalizes an exported JS value into the plain data shapes
// the value codec understands. The second return is false when the value
// cannot be represented at all in the requested mode.
func sanitizeValue(v any, mode sanitizeMode, reg *handlerRegistry) (any, bool) {
	s := &sanitizer{mode: mode, reg: reg, seen: make(map[uintptr]struct{})}
	return s.walk(v, 0)
}

func (s *sanitizer) walk(v any, depth int) (any, bool) {
	if depth >= sanitizeMaxDepth {
		return "[MaxDepth]", true
	}
	switch t := v.(type) {
	case nil:
		return nil, true
	case bool, string, int64, float64:
		return t, true
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		return int64(t), true
	case float32:
		return float64(t), true
	case time.Time:
		return t.Format(time.RFC3339Nano), true
	case []byte:
		return base64.StdEncoding.EncodeToString(t), true
	case goja.ArrayBuffer:
		return base64.StdEncoding.EncodeToString(t.Bytes()), true
	case jsFunc:
		if s.mode == sanitizeDisplay {
			return model.HandlerRef(s.reg.register(t)), true
		}
		return nil, false
	case map[string]any:
		ptr := reflect.ValueOf(t).Pointer()
		if _, ok := s.seen[ptr]; ok {
			return wire.CycleSentinel, true
		}
		s.seen[ptr] = struct{}{}
		defer delete(s.seen, ptr)
		out := make(map[string]any, len(t))
		for k, e := range t {
			ce, ok := s.walk(e, depth+1)
			if !ok {
				continue
			}
			out[k] = ce
		}
		return out, true
	case []any:
		if len(t) > 0 {
			ptr := reflect.ValueOf(t).Pointer()
			if _, ok := s.seen[ptr]; ok {
				return wire.CycleSentinel, true
			}
			s.seen[ptr] = struct{}{}
			defer delete(s.seen, ptr)
		}
		out := make([]any, 0, len(t))
		for _, e := range t {
			ce, ok := s.walk(e, depth+1)
			if !ok {
				ce = nil
			}
			out = append(out, ce)
		}
		return out, true
	default:
		if reflect.ValueOf(v).Kind() == reflect.Func {
			if s.mode == sanitizeGlobals {
				return nil, false
			}
		}
		return fmt.Sprintf("%v", v), true
	}
}
