package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"

	"github.com/nodebooks/kernel/internal/domain/model"
)

// Structured value encoding for display payloads. Self-describing and
// deterministic: map entries are written in key order so equal values
// produce equal bytes.

const (
	tagNull byte = iota
	tagFalse
	tagTrue
	tagInt     // i64, little-endian
	tagFloat   // f64 bits, little-endian
	tagString  // u32 length + bytes
	tagArray   // u32 count + elements
	tagMap     // u32 count + (string key, value) pairs
	tagHandler // u32 length + handler ref id
	tagCycle   // sentinel left where a circular reference was cut
)

const maxValueDepth = 64

var ErrValueTooDeep = errors.New("wire: value nesting exceeds limit")

// CycleSentinel is what a circular reference decodes to.
const CycleSentinel = "[Circular]"

type valueEncoder struct {
	buf  []byte
	seen map[uintptr]struct{}
}

// EncodeValue serializes v. Circular references are replaced by a cycle
// sentinel instead of looping; nesting beyond maxValueDepth is an error.
func EncodeValue(v any) ([]byte, error) {
	enc := &valueEncoder{seen: make(map[uintptr]struct{})}
	if err := enc.encode(v, 0); err != nil {
		return nil, err
	}
	return enc.buf, nil
}

func (enc *valueEncoder) encode(v any, depth int) error {
	if depth > maxValueDepth {
		return ErrValueTooDeep
	}
	switch t := v.(type) {
	case nil:
		enc.buf = append(enc.buf, tagNull)
	case bool:
		if t {
			enc.buf = append(enc.buf, tagTrue)
		} else {
			enc.buf = append(enc.buf, tagFalse)
		}
	case int:
		enc.writeInt(int64(t))
	case int32:
		enc.writeInt(int64(t))
	case int64:
		enc.writeInt(t)
	case float64:
		enc.buf = append(enc.buf, tagFloat)
		enc.buf = binary.LittleEndian.AppendUint64(enc.buf, math.Float64bits(t))
	case string:
		enc.buf = append(enc.buf, tagString)
		enc.writeBytes([]byte(t))
	case model.HandlerRef:
		enc.buf = append(enc.buf, tagHandler)
		enc.writeBytes([]byte(t))
	case []any:
		ptr := reflect.ValueOf(t).Pointer()
		if _, ok := enc.seen[ptr]; ok {
			enc.buf = append(enc.buf, tagCycle)
			return nil
		}
		enc.seen[ptr] = struct{}{}
		defer delete(enc.seen, ptr)

		enc.buf = append(enc.buf, tagArray)
		enc.buf = binary.LittleEndian.AppendUint32(enc.buf, uint32(len(t)))
		for _, el := range t {
			if err := enc.encode(el, depth+1); err != nil {
				return err
			}
		}
	case map[string]any:
		ptr := reflect.ValueOf(t).Pointer()
		if _, ok := enc.seen[ptr]; ok {
			enc.buf = append(enc.buf, tagCycle)
			return nil
		}
		enc.seen[ptr] = struct{}{}
		defer delete(enc.seen, ptr)

		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		enc.buf = append(enc.buf, tagMap)
		enc.buf = binary.LittleEndian.AppendUint32(enc.buf, uint32(len(t)))
		for _, k := range keys {
			enc.writeBytes([]byte(k))
			if err := enc.encode(t[k], depth+1); err != nil {
				return err
			}
		}
	default:
		// Anything outside the closed set degrades to its string form.
		enc.buf = append(enc.buf, tagString)
		enc.writeBytes([]byte(fmt.Sprintf("%v", t)))
	}
	return nil
}

func (enc *valueEncoder) writeInt(n int64) {
	enc.buf = append(enc.buf, tagInt)
	enc.buf = binary.LittleEndian.AppendUint64(enc.buf, uint64(n))
}

func (enc *valueEncoder) writeBytes(b []byte) {
	enc.buf = binary.LittleEndian.AppendUint32(enc.buf, uint32(len(b)))
	enc.buf = append(enc.buf, b...)
}

var errValueTruncated = errors.New("wire: truncated value")

// DecodeValue parses the buffer produced by EncodeValue and returns the
// value plus the number of bytes consumed.
func DecodeValue(b []byte) (any, int, error) {
	return decodeValue(b, 0)
}

func decodeValue(b []byte, depth int) (any, int, error) {
	if depth > maxValueDepth {
		return nil, 0, ErrValueTooDeep
	}
	if len(b) < 1 {
		return nil, 0, errValueTruncated
	}
	switch b[0] {
	case tagNull:
		return nil, 1, nil
	case tagFalse:
		return false, 1, nil
	case tagTrue:
		return true, 1, nil
	case tagCycle:
		return CycleSentinel, 1, nil
	case tagInt:
		if len(b) < 9 {
			return nil, 0, errValueTruncated
		}
		return int64(binary.LittleEndian.Uint64(b[1:9])), 9, nil
	case tagFloat:
		if len(b) < 9 {
			return nil, 0, errValueTruncated
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(b[1:9])), 9, nil
	case tagString, tagHandler:
		s, n, err := decodeBytes(b[1:])
		if err != nil {
			return nil, 0, err
		}
		if b[0] == tagHandler {
			return model.HandlerRef(s), n + 1, nil
		}
		return string(s), n + 1, nil
	case tagArray:
		if len(b) < 5 {
			return nil, 0, errValueTruncated
		}
		count := binary.LittleEndian.Uint32(b[1:5])
		off := 5
		arr := make([]any, 0, count)
		for i := uint32(0); i < count; i++ {
			el, n, err := decodeValue(b[off:], depth+1)
			if err != nil {
				return nil, 0, err
			}
			arr = append(arr, el)
			off += n
		}
		return arr, off, nil
	case tagMap:
		if len(b) < 5 {
			return nil, 0, errValueTruncated
		}
		count := binary.LittleEndian.Uint32(b[1:5])
		off := 5
		m := make(map[string]any, count)
		for i := uint32(0); i < count; i++ {
			key, n, err := decodeBytes(b[off:])
			if err != nil {
				return nil, 0, err
			}
			off += n
			val, n, err := decodeValue(b[off:], depth+1)
			if err != nil {
				return nil, 0, err
			}
			off += n
			m[string(key)] = val
		}
		return m, off, nil
	default:
		return nil, 0, fmt.Errorf("wire: unknown value tag 0x%02x", b[0])
	}
}

func decodeBytes(b []byte) ([]byte, int, error) {
	if len(b) < 4 {
		return nil, 0, errValueTruncated
	}
	length := binary.LittleEndian.Uint32(b[0:4])
	if uint32(len(b)-4) < length {
		return nil, 0, errValueTruncated
	}
	return b[4 : 4+length], int(4 + length), nil
}
