package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// The worker's event channel is a byte stream of records. Stream frames
// open with FrameMagic; control-plane events (ack, result, error, pong)
// open with EventMagic and carry a length-prefixed JSON body.

const (
	// EventMagic opens an event record.
	EventMagic uint16 = 0x4E45

	// eventHeaderSize: u16 magic, u8 version, u32 length.
	eventHeaderSize = 7

	// maxEventBytes bounds one event record's JSON body. Result events
	// carry the output list and globals snapshot, so this is larger
	// than the per-frame cap.
	maxEventBytes = 8 << 20

	// resyncLimit caps how far one Next call scans for a record
	// boundary after losing sync.
	resyncLimit = 4096
)

// ErrProtocol marks a recoverable framing violation. The reader skips
// the offending bytes; callers count occurrences and escalate.
var ErrProtocol = errors.New("wire: protocol error")

// Record is one unit read off the event channel: exactly one of Frame
// or Event is set.
type Record struct {
	Frame *Frame
	Event *EventMessage
}

// RecordReader demultiplexes the event channel.
type RecordReader struct {
	br         *bufio.Reader
	maxPayload uint32
}

func NewRecordReader(r io.Reader) *RecordReader {
	return &RecordReader{
		br:         bufio.NewReaderSize(r, 64<<10),
		maxPayload: DefaultMaxPayloadBytes,
	}
}

// Next returns the next record, io.EOF at clean end of stream, or an
// error wrapping ErrProtocol after skipping unparseable bytes.
func (rr *RecordReader) Next() (*Record, error) {
	head, err := rr.br.Peek(2)
	if err != nil {
		if err == io.EOF && len(head) == 0 {
			return nil, io.EOF
		}
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	switch binary.LittleEndian.Uint16(head) {
	case FrameMagic:
		return rr.readFrame()
	case EventMagic:
		return rr.readEvent()
	default:
		return nil, rr.resync()
	}
}

func (rr *RecordReader) readFrame() (*Record, error) {
	header, err := rr.br.Peek(HeaderSize)
	if err != nil {
		return nil, unexpectedEOF(err)
	}
	if header[2] != FrameVersion || !Kind(header[3]).valid() {
		rr.br.Discard(1)
		return nil, fmt.Errorf("%w: bad frame header", ErrProtocol)
	}
	length := binary.LittleEndian.Uint32(header[9:13])
	if length > rr.maxPayload {
		rr.br.Discard(1)
		return nil, fmt.Errorf("%w: frame payload %d over limit", ErrProtocol, length)
	}

	buf := make([]byte, HeaderSize+int(length))
	if _, err := io.ReadFull(rr.br, buf); err != nil {
		return nil, unexpectedEOF(err)
	}
	f := DecodeFrame(buf)
	if f == nil {
		// Header was validated above, so this cannot happen short of a
		// codec bug; treat it like any other framing violation.
		return nil, fmt.Errorf("%w: frame rejected", ErrProtocol)
	}
	return &Record{Frame: f}, nil
}

func (rr *RecordReader) readEvent() (*Record, error) {
	header, err := rr.br.Peek(eventHeaderSize)
	if err != nil {
		return nil, unexpectedEOF(err)
	}
	if header[2] != FrameVersion {
		rr.br.Discard(1)
		return nil, fmt.Errorf("%w: bad event version %d", ErrProtocol, header[2])
	}
	length := binary.LittleEndian.Uint32(header[3:7])
	if length > maxEventBytes {
		rr.br.Discard(1)
		return nil, fmt.Errorf("%w: event body %d over limit", ErrProtocol, length)
	}

	buf := make([]byte, eventHeaderSize+int(length))
	if _, err := io.ReadFull(rr.br, buf); err != nil {
		return nil, unexpectedEOF(err)
	}
	var ev EventMessage
	if err := json.Unmarshal(buf[eventHeaderSize:], &ev); err != nil {
		// Record boundary is intact, only the body is garbage.
		return nil, fmt.Errorf("%w: event body: %v", ErrProtocol, err)
	}
	return &Record{Event: &ev}, nil
}

// resync discards bytes until the next plausible record boundary so a
// single corrupt region costs one protocol error, not the whole stream.
func (rr *RecordReader) resync() error {
	scanned := 0
	for scanned < resyncLimit {
		head, err := rr.br.Peek(2)
		if err != nil {
			if err == io.EOF {
				rr.br.Discard(len(head))
				return fmt.Errorf("%w: lost sync at end of stream", ErrProtocol)
			}
			return err
		}
		m := binary.LittleEndian.Uint16(head)
		if m == FrameMagic || m == EventMagic {
			break
		}
		rr.br.Discard(1)
		scanned++
	}
	return fmt.Errorf("%w: skipped %d bytes", ErrProtocol, scanned)
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// EncodeEvent lays out one event record.
func EncodeEvent(ev *EventMessage) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal event: %w", err)
	}
	if len(body) > maxEventBytes {
		return nil, fmt.Errorf("wire: event body %d over limit", len(body))
	}
	buf := make([]byte, eventHeaderSize+len(body))
	binary.LittleEndian.PutUint16(buf[0:2], EventMagic)
	buf[2] = FrameVersion
	binary.LittleEndian.PutUint32(buf[3:7], uint32(len(body)))
	copy(buf[eventHeaderSize:], body)
	return buf, nil
}

// RecordWriter serializes concurrent record writes onto one stream.
// Each record goes out in a single Write call.
type RecordWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewRecordWriter(w io.Writer) *RecordWriter {
	return &RecordWriter{w: w}
}

func (rw *RecordWriter) WriteFrame(kind Kind, jobIDHash uint32, payload []byte, final bool) error {
	buf, err := EncodeFrame(kind, jobIDHash, payload, final)
	if err != nil {
		return err
	}
	rw.mu.Lock()
	defer rw.mu.Unlock()
	_, err = rw.w.Write(buf)
	return err
}

func (rw *RecordWriter) WriteEvent(ev *EventMessage) error {
	buf, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	rw.mu.Lock()
	defer rw.mu.Unlock()
	_, err = rw.w.Write(buf)
	return err
}
