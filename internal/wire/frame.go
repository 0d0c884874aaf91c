// Package wire implements the framing shared by the kernel host and its
// worker processes: binary stream frames for job output, a structured
// value encoding for display payloads, and the JSON control/event
// message unions, multiplexed over the worker's byte channels.
package wire

import (
	"encoding/binary"
	"errors"
	"hash/fnv"
)

const (
	// FrameMagic opens every stream frame on the event channel.
	FrameMagic uint16 = 0x4E42
	// FrameVersion is the only header version this codec speaks.
	FrameVersion byte = 1

	// HeaderSize is the fixed frame header length:
	// u16 magic, u8 version, u8 kind, u32 jobIdHash, u8 flags, u32 length.
	HeaderSize = 13

	// DefaultMaxPayloadBytes bounds a single frame's payload.
	DefaultMaxPayloadBytes = 1 << 20
)

// Kind tags the content of a frame payload.
type Kind byte

const (
	KindStdout  Kind = 1
	KindStderr  Kind = 2
	KindDisplay Kind = 3
	KindLog     Kind = 4
)

func (k Kind) valid() bool { return k >= KindStdout && k <= KindLog }

// FlagFinal marks the last frame of a job; only terminal event records
// may follow it for that job.
const FlagFinal byte = 1 << 0

// Frame is one decoded stream frame.
type Frame struct {
	Kind      Kind
	JobIDHash uint32
	Final     bool
	Payload   []byte
}

var ErrFrameTooLarge = errors.New("wire: frame payload exceeds limit")

// HashJobID folds a job id into the 32-bit FNV-1a key carried in every
// frame header. Collisions are tolerated; frames are additionally scoped
// by the runner that reads them.
func HashJobID(jobID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(jobID))
	return h.Sum32()
}

// EncodeFrame assembles header plus payload into a single buffer.
func EncodeFrame(kind Kind, jobIDHash uint32, payload []byte, final bool) ([]byte, error) {
	if len(payload) > DefaultMaxPayloadBytes {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], FrameMagic)
	buf[2] = FrameVersion
	buf[3] = byte(kind)
	binary.LittleEndian.PutUint32(buf[4:8], jobIDHash)
	if final {
		buf[8] |= FlagFinal
	}
	binary.LittleEndian.PutUint32(buf[9:13], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// EncodeText frames a UTF-8 chunk for the stdout/stderr/log kinds.
func EncodeText(kind Kind, jobIDHash uint32, text string, final bool) ([]byte, error) {
	return EncodeFrame(kind, jobIDHash, []byte(text), final)
}

// DecodeFrame parses a whole buffer as exactly one frame. It returns nil
// on any validation failure: truncated input, wrong magic or version,
// unknown kind, oversize payload, or a length/buffer mismatch.
func DecodeFrame(b []byte) *Frame {
	if len(b) < HeaderSize {
		return nil
	}
	if binary.LittleEndian.Uint16(b[0:2]) != FrameMagic {
		return nil
	}
	if b[2] != FrameVersion {
		return nil
	}
	kind := Kind(b[3])
	if !kind.valid() {
		return nil
	}
	length := binary.LittleEndian.Uint32(b[9:13])
	if length > DefaultMaxPayloadBytes {
		return nil
	}
	if uint32(len(b)-HeaderSize) != length {
		return nil
	}
	return &Frame{
		Kind:      kind,
		JobIDHash: binary.LittleEndian.Uint32(b[4:8]),
		Final:     b[8]&FlagFinal != 0,
		Payload:   b[HeaderSize:],
	}
}
