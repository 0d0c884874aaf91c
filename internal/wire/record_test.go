package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/nodebooks/kernel/internal/domain/model"
)

func TestRecordMuxOrder(t *testing.T) {
	var buf bytes.Buffer
	w := NewRecordWriter(&buf)
	hash := HashJobID("job-9")

	if err := w.WriteEvent(&EventMessage{Type: EventAck, JobID: "job-9"}); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteFrame(KindStdout, hash, []byte("hi\n"), false); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteFrame(KindStderr, hash, []byte("warn"), true); err != nil {
		t.Fatal(err)
	}
	result := &model.JobResult{
		JobID:     "job-9",
		Execution: model.ExecutionRecord{Started: 1, Ended: 2, Status: model.StatusOK},
	}
	if err := w.WriteEvent(&EventMessage{Type: EventResult, JobID: "job-9", Result: result}); err != nil {
		t.Fatal(err)
	}

	rr := NewRecordReader(&buf)

	rec, err := rr.Next()
	if err != nil {
		t.Fatal(err)
	}
	if rec.Event == nil || rec.Event.Type != EventAck {
		t.Fatalf("first record = %+v, want ack", rec)
	}

	rec, err = rr.Next()
	if err != nil {
		t.Fatal(err)
	}
	if rec.Frame == nil || rec.Frame.Kind != KindStdout || string(rec.Frame.Payload) != "hi\n" {
		t.Fatalf("second record = %+v", rec)
	}

	rec, err = rr.Next()
	if err != nil {
		t.Fatal(err)
	}
	if rec.Frame == nil || !rec.Frame.Final {
		t.Fatalf("third record = %+v, want final stderr frame", rec)
	}

	rec, err = rr.Next()
	if err != nil {
		t.Fatal(err)
	}
	if rec.Event == nil || rec.Event.Type != EventResult {
		t.Fatalf("fourth record = %+v, want result", rec)
	}
	if rec.Event.Result.Execution.Status != model.StatusOK {
		t.Fatalf("result execution = %+v", rec.Event.Result.Execution)
	}

	if _, err := rr.Next(); err != io.EOF {
		t.Fatalf("tail err = %v, want EOF", err)
	}
}

func TestRecordResync(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00, 0x01, 0x02, 0x03, 0x04})
	frame, err := EncodeText(KindStdout, HashJobID("j"), "ok", false)
	if err != nil {
		t.Fatal(err)
	}
	buf.Write(frame)

	rr := NewRecordReader(&buf)
	if _, err := rr.Next(); !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
	rec, err := rr.Next()
	if err != nil {
		t.Fatal(err)
	}
	if rec.Frame == nil || string(rec.Frame.Payload) != "ok" {
		t.Fatalf("post-resync record = %+v", rec)
	}
}

func TestRecordBadEventBody(t *testing.T) {
	var buf bytes.Buffer
	body := []byte("{not json")
	header := make([]byte, eventHeaderSize)
	binary.LittleEndian.PutUint16(header[0:2], EventMagic)
	header[2] = FrameVersion
	binary.LittleEndian.PutUint32(header[3:7], uint32(len(body)))
	buf.Write(header)
	buf.Write(body)

	good, err := EncodeEvent(&EventMessage{Type: EventPong})
	if err != nil {
		t.Fatal(err)
	}
	buf.Write(good)

	rr := NewRecordReader(&buf)
	if _, err := rr.Next(); !errors.Is(err, ErrProtocol) {
		t.Fatalf("err = %v, want ErrProtocol", err)
	}
	// The bad body was length-delimited, so the next record parses.
	rec, err := rr.Next()
	if err != nil {
		t.Fatal(err)
	}
	if rec.Event == nil || rec.Event.Type != EventPong {
		t.Fatalf("record after bad body = %+v", rec)
	}
}

func TestRecordTruncatedTail(t *testing.T) {
	frame, err := EncodeText(KindStdout, 7, "partial", false)
	if err != nil {
		t.Fatal(err)
	}
	rr := NewRecordReader(bytes.NewReader(frame[:len(frame)-2]))
	if _, err := rr.Next(); err != io.ErrUnexpectedEOF {
		t.Fatalf("err = %v, want ErrUnexpectedEOF", err)
	}
}
