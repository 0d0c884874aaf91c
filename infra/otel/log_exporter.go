package otelkit

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// Interface guard
var _ sdklog.Exporter = (*fileLogExporter)(nil)

// fileLogExporter writes one JSON object per record, append-only. It is
// the export end of the otelslog bridge when a log path is configured.
type fileLogExporter struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

func newFileLogExporter(path string) (*fileLogExporter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &fileLogExporter{f: f, enc: json.NewEncoder(f)}, nil
}

type logLine struct {
	TS       string         `json:"ts"`
	Severity string         `json:"severity"`
	Body     any            `json:"body"`
	Attrs    map[string]any `json:"attrs,omitempty"`
}

func (e *fileLogExporter) Export(ctx context.Context, records []sdklog.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range records {
		r := &records[i]
		ts := r.Timestamp()
		if ts.IsZero() {
			ts = r.ObservedTimestamp()
		}
		sev := r.SeverityText()
		if sev == "" {
			sev = r.Severity().String()
		}
		line := logLine{
			TS:       ts.Format(time.RFC3339Nano),
			Severity: sev,
			Body:     logValue(r.Body()),
		}
		r.WalkAttributes(func(kv log.KeyValue) bool {
			if line.Attrs == nil {
				line.Attrs = make(map[string]any)
			}
			line.Attrs[kv.Key] = logValue(kv.Value)
			return true
		})
		if err := e.enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}

func (e *fileLogExporter) ForceFlush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.f.Sync()
}

func (e *fileLogExporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.f.Close()
}

func logValue(v log.Value) any {
	switch v.Kind() {
	case log.KindBool:
		return v.AsBool()
	case log.KindInt64:
		return v.AsInt64()
	case log.KindFloat64:
		return v.AsFloat64()
	case log.KindString:
		return v.AsString()
	case log.KindBytes:
		return v.AsBytes()
	case log.KindSlice:
		vals := v.AsSlice()
		out := make([]any, 0, len(vals))
		for _, e := range vals {
			out = append(out, logValue(e))
		}
		return out
	case log.KindMap:
		kvs := v.AsMap()
		out := make(map[string]any, len(kvs))
		for _, kv := range kvs {
			out[kv.Key] = logValue(kv.Value)
		}
		return out
	case log.KindEmpty:
		return nil
	default:
		return v.String()
	}
}
