package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// The control channel is newline-delimited JSON, one ControlMessage per
// line. Globals snapshots ride along with run_cell, so lines can be
// large.

const maxControlLineBytes = 16 << 20

// ControlReader consumes the worker side of the control channel.
type ControlReader struct {
	sc *bufio.Scanner
}

func NewControlReader(r io.Reader) *ControlReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxControlLineBytes)
	return &ControlReader{sc: sc}
}

// Next returns the next control message or io.EOF when the host closes
// the channel.
func (cr *ControlReader) Next() (*ControlMessage, error) {
	for cr.sc.Scan() {
		line := cr.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg ControlMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("%w: control line: %v", ErrProtocol, err)
		}
		return &msg, nil
	}
	if err := cr.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// ControlWriter serializes control sends from the host; dispatch and
// cancel can race on the same pipe.
type ControlWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewControlWriter(w io.Writer) *ControlWriter {
	return &ControlWriter{w: w}
}

func (cw *ControlWriter) Write(msg *ControlMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wire: marshal control: %w", err)
	}
	body = append(body, '\n')
	cw.mu.Lock()
	defer cw.mu.Unlock()
	_, err = cw.w.Write(body)
	return err
}
