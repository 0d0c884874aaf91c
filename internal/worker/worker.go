// Package worker is the kernel's sandboxed execution side: a single JS
// runtime behind the control/event wire protocol, run either as a child
// process or in-process over pipes.
package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/nodebooks/kernel/internal/domain/model"
	"github.com/nodebooks/kernel/internal/wire"
)

const (
	defaultBatchMs = 25

	// maxResultOutputBytes bounds the outputs list carried inside the
	// result record. Frames keep flowing past this point; the host's
	// output cap decides when to stop the job.
	maxResultOutputBytes = 2 << 20
)

// Config tunes one worker process.
type Config struct {
	// BatchMs is the default capture window when a job does not carry
	// its own.
	BatchMs int
	// MemoryMB caps the worker's memory, 0 disables the cap.
	MemoryMB int
	// Resolver loads declared notebook packages for require().
	Resolver PackageResolver
	Logger   *slog.Logger
}

// Serve speaks the worker protocol over the control and event channels
// until the control side reaches EOF or ctx is done. It is the body of
// the worker subprocess and runs equally over in-process pipes.
func Serve(ctx context.Context, control io.Reader, events io.Writer, cfg Config) error {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.BatchMs <= 0 {
		cfg.BatchMs = defaultBatchMs
	}
	if cfg.MemoryMB > 0 {
		debug.SetMemoryLimit(int64(cfg.MemoryMB) << 20)
		if err := applyMemoryLimit(cfg.MemoryMB); err != nil {
			log.Warn("memory rlimit not applied", "error", err)
		}
	}

	s := &server{
		cfg: cfg,
		log: log,
		rec: wire.NewRecordWriter(events),
	}
	s.rt = NewRuntime(Hooks{
		Stream:   s.streamWrite,
		Display:  s.displayWrite,
		Resolver: cfg.Resolver,
	})

	jobs := make(chan *wire.ControlMessage, 1)
	readErr := make(chan error, 1)
	go s.readControl(control, jobs, readErr)

	// Shutdown interrupts whatever is evaluating so the loop below can
	// observe ctx and exit.
	go func() {
		<-ctx.Done()
		s.cancelJob("")
	}()

	// Boot marker; the host relays log frames at debug level.
	_ = s.rec.WriteFrame(wire.KindLog, 0, []byte("worker ready"), false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-jobs:
			if !ok {
				return <-readErr
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.runJob(msg)
		}
	}
}

type server struct {
	cfg Config
	log *slog.Logger
	rec *wire.RecordWriter
	rt  *Runtime

	mu         sync.Mutex
	capture    *capture
	jobID      string
	jobHash    uint32
	cancel     chan struct{}
	cancelled  bool
	running    bool
	outputs    []model.Output
	outputSize int
}

// readControl demultiplexes the control channel. Pings and cancels are
// handled inline so they work while a job is evaluating; jobs go to the
// evaluation loop.
func (s *server) readControl(control io.Reader, jobs chan<- *wire.ControlMessage, readErr chan<- error) {
	cr := wire.NewControlReader(control)
	for {
		msg, err := cr.Next()
		if err != nil {
			if err == io.EOF {
				readErr <- nil
			} else {
				readErr <- err
			}
			close(jobs)
			return
		}
		switch msg.Type {
		case wire.ControlPing:
			_ = s.rec.WriteEvent(&wire.EventMessage{Type: wire.EventPong})
		case wire.ControlCancel:
			s.cancelJob(msg.JobID)
		case wire.ControlRunCell, wire.ControlInvokeHandler:
			if msg.Job == nil {
				_ = s.rec.WriteEvent(&wire.EventMessage{
					Type:  wire.EventError,
					Error: &model.ExecError{Ename: "Error", Evalue: "missing job payload"},
				})
				continue
			}
			s.mu.Lock()
			busy := s.running
			if !busy {
				s.running = true
			}
			s.mu.Unlock()
			if busy {
				_ = s.rec.WriteEvent(&wire.EventMessage{
					Type:  wire.EventError,
					JobID: msg.Job.JobID,
					Error: &model.ExecError{Ename: "Error", Evalue: "worker busy"},
				})
				continue
			}
			_ = s.rec.WriteEvent(&wire.EventMessage{Type: wire.EventAck, JobID: msg.Job.JobID})
			jobs <- msg
		}
	}
}

// cancelJob suppresses output first and interrupts second, so no frame
// can trail the host's terminal event.
func (s *server) cancelJob(jobID string) {
	s.mu.Lock()
	if !s.running || s.cancelled || (jobID != "" && jobID != s.jobID) {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	cap := s.capture
	cancel := s.cancel
	s.mu.Unlock()
	if cap != nil {
		cap.Suppress()
	}
	close(cancel)
}

func (s *server) runJob(msg *wire.ControlMessage) {
	job := msg.Job
	started := time.Now().UnixMilli()
	batch := time.Duration(s.cfg.BatchMs) * time.Millisecond
	if job.BatchMs > 0 {
		batch = time.Duration(job.BatchMs) * time.Millisecond
	}

	cancel := make(chan struct{})
	s.mu.Lock()
	s.jobID = job.JobID
	s.jobHash = wire.HashJobID(job.JobID)
	s.cancel = cancel
	s.cancelled = false
	s.outputs = nil
	s.outputSize = 0
	s.capture = newCapture(batch, s.emitStream)
	s.mu.Unlock()

	env := model.NotebookEnv{Packages: job.Packages, Vars: job.Env}
	var out evalOutcome
	if msg.Type == wire.ControlRunCell {
		out = s.rt.EvalCell(job.Code, job.Globals, env, cancel)
	} else {
		out = s.rt.InvokeHandler(job.Handler, job.Event, job.Args, job.Globals, env, cancel)
	}
	s.finishJob(job, started, out)
}

func (s *server) finishJob(job *wire.JobPayload, started int64, out evalOutcome) {
	s.mu.Lock()
	cancelled := s.cancelled || out.Cancelled
	cap := s.capture
	hash := s.jobHash
	s.mu.Unlock()

	if cancelled {
		res := &model.JobResult{
			JobID:   job.JobID,
			Outputs: []model.Output{},
			Execution: model.ExecutionRecord{
				Started: started,
				Ended:   time.Now().UnixMilli(),
				Status:  model.StatusAborted,
			},
		}
		_ = s.rec.WriteEvent(&wire.EventMessage{Type: wire.EventResult, JobID: job.JobID, Result: res})
		s.endJob()
		return
	}

	for _, name := range out.Dropped {
		cap.Write(model.StreamStderr, fmt.Sprintf("global %q is not serializable and was dropped\n", name))
	}
	cap.Flush()

	status := model.StatusOK
	if out.Err != nil {
		status = model.StatusError
		s.mu.Lock()
		s.appendOutputLocked(model.Output{Type: model.OutputError, Error: out.Err})
		s.mu.Unlock()
	} else if out.Value != nil && !goja.IsUndefined(out.Value) {
		clean, _ := sanitizeValue(out.Value.Export(), sanitizeDisplay, s.rt.handlers)
		s.mu.Lock()
		s.appendOutputLocked(model.Output{Type: model.OutputDisplay, Data: clean})
		s.mu.Unlock()
	}

	_ = s.rec.WriteFrame(wire.KindStdout, hash, nil, true)

	s.mu.Lock()
	outputs := s.outputs
	s.mu.Unlock()
	if outputs == nil {
		outputs = []model.Output{}
	}

	res := &model.JobResult{
		JobID:   job.JobID,
		Outputs: outputs,
		Execution: model.ExecutionRecord{
			Started: started,
			Ended:   time.Now().UnixMilli(),
			Status:  status,
		},
		Globals: out.Globals,
	}
	if err := s.rec.WriteEvent(&wire.EventMessage{Type: wire.EventResult, JobID: job.JobID, Result: res}); err != nil {
		s.log.Warn("result write failed", "job_id", job.JobID, "error", err)
		fallback := &model.JobResult{
			JobID: job.JobID,
			Outputs: []model.Output{{
				Type:  model.OutputError,
				Error: &model.ExecError{Ename: "Error", Evalue: "result too large to return"},
			}},
			Execution: model.ExecutionRecord{
				Started: started,
				Ended:   time.Now().UnixMilli(),
				Status:  model.StatusError,
			},
		}
		_ = s.rec.WriteEvent(&wire.EventMessage{Type: wire.EventResult, JobID: job.JobID, Result: fallback})
	}
	s.endJob()
}

func (s *server) endJob() {
	s.mu.Lock()
	s.running = false
	s.jobID = ""
	s.capture = nil
	s.mu.Unlock()
}

// streamWrite is the runtime's console hook; text goes through the batch
// window before it becomes frames and outputs.
func (s *server) streamWrite(name model.StreamName, text string) {
	s.mu.Lock()
	cap := s.capture
	s.mu.Unlock()
	if cap != nil {
		cap.Write(name, text)
	}
}

// emitStream is the capture's flush sink: one frame and one recorded
// output per coalesced segment.
func (s *server) emitStream(name model.StreamName, text string) {
	s.mu.Lock()
	hash := s.jobHash
	s.appendOutputLocked(model.Output{Type: model.OutputStream, Name: name, Text: text})
	s.mu.Unlock()

	kind := wire.KindStdout
	if name == model.StreamStderr {
		kind = wire.KindStderr
	}
	if err := s.rec.WriteFrame(kind, hash, []byte(text), false); err != nil {
		s.log.Warn("stream frame write failed", "error", err)
	}
}

// displayWrite flushes buffered stream text first so frame order matches
// the order user code produced its effects in.
func (s *server) displayWrite(value any, id string, update bool) {
	s.mu.Lock()
	cap := s.capture
	s.mu.Unlock()
	if cap != nil {
		cap.Flush()
	}

	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	hash := s.jobHash
	s.appendOutputLocked(model.Output{Type: model.OutputDisplay, Data: value, DisplayID: id})
	s.mu.Unlock()

	payload, err := wire.EncodeDisplayPayload(wire.DisplayPayload{ID: id, Update: update, Value: value})
	if err != nil {
		s.log.Warn("display payload encode failed", "error", err)
		return
	}
	if err := s.rec.WriteFrame(wire.KindDisplay, hash, payload, false); err != nil {
		s.log.Warn("display frame write failed", "error", err)
	}
}

func (s *server) appendOutputLocked(out model.Output) {
	size := len(out.Text) + len(out.DisplayID) + 16
	if out.Data != nil {
		size += approxDataSize(out.Data, 0)
	}
	if out.Error != nil {
		size += len(out.Error.Evalue) + 32
	}
	if s.outputSize+size > maxResultOutputBytes {
		return
	}
	s.outputSize += size
	s.outputs = append(s.outputs, out)
}

func approxDataSize(v any, depth int) int {
	if depth > sanitizeMaxDepth {
		return 0
	}
	switch t := v.(type) {
	case string:
		return len(t)
	case []any:
		n := 8
		for _, e := range t {
			n += approxDataSize(e, depth+1)
		}
		return n
	case map[string]any:
		n := 8
		for k, e := range t {
			n += len(k) + approxDataSize(e, depth+1)
		}
		return n
	default:
		return 8
	}
}
