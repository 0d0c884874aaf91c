package runner

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nodebooks/kernel/internal/domain/model"
	"github.com/nodebooks/kernel/internal/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type eventCollector struct {
	mu     sync.Mutex
	events []model.Eventer
}

func (c *eventCollector) sink(ev model.Eventer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *eventCollector) snapshot() []model.Eventer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Eventer(nil), c.events...)
}

func (c *eventCollector) streamTexts(name model.StreamName) []string {
	var out []string
	for _, ev := range c.snapshot() {
		if se, ok := ev.(*model.StreamEvent); ok && se.Name == name {
			out = append(out, se.Text)
		}
	}
	return out
}

func cellJob(id, code string, timeoutMs int) *model.JobSpec {
	return &model.JobSpec{
		JobID:     id,
		Kind:      model.JobCell,
		Cell:      model.Cell{ID: "cell-" + id, Source: code, Language: model.LangJS},
		Code:      code,
		TimeoutMs: timeoutMs,
	}
}

func startRunner(t *testing.T, cfg Config) *Runner {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	if cfg.BatchMs == 0 {
		cfg.BatchMs = 2
	}
	proc := worker.StartInProc(worker.Config{BatchMs: 2, Logger: cfg.Logger})
	r := New(proc, cfg)
	t.Cleanup(func() {
		r.Kill()
		<-r.Dead()
	})
	return r
}

func TestRunCellHappyPath(t *testing.T) {
	r := startRunner(t, Config{})
	col := &eventCollector{}

	out := r.Run(context.Background(), cellJob("j1", `console.log("hi"); 2+3;`, 5000), col.sink)
	if out.Result == nil {
		t.Fatalf("outcome = %+v, want result", out)
	}
	if out.Result.Execution.Status != model.StatusOK {
		t.Fatalf("status = %q", out.Result.Execution.Status)
	}
	if out.Retire {
		t.Fatal("healthy run must not retire the worker")
	}
	if len(out.Result.Outputs) != 2 {
		t.Fatalf("outputs = %+v", out.Result.Outputs)
	}

	texts := col.streamTexts(model.StreamStdout)
	if len(texts) != 1 || texts[0] != "hi\n" {
		t.Fatalf("stream events = %v", texts)
	}
	for _, ev := range col.snapshot() {
		if ev.GetCellID() != "cell-j1" {
			t.Fatalf("event cell id = %q", ev.GetCellID())
		}
	}
	if !r.Alive() {
		t.Fatal("worker died after a clean job")
	}
}

func TestRunUserErrorKeepsWorker(t *testing.T) {
	r := startRunner(t, Config{})

	out := r.Run(context.Background(), cellJob("j1", `throw new Error("boom");`, 5000), nil)
	if out.Result == nil || out.Result.Execution.Status != model.StatusError {
		t.Fatalf("outcome = %+v, want user error result", out)
	}
	if out.Retire {
		t.Fatal("user errors must not retire the worker")
	}

	out2 := r.Run(context.Background(), cellJob("j2", `1+1;`, 5000), nil)
	if out2.Result == nil || out2.Result.Execution.Status != model.StatusOK {
		t.Fatalf("second run = %+v", out2)
	}
}

func TestRunTimeoutRetiresWorker(t *testing.T) {
	r := startRunner(t, Config{})

	start := time.Now()
	out := r.Run(context.Background(), cellJob("j1", `for(;;){}`, 50), nil)
	if out.Kind != model.ErrKindTimeout {
		t.Fatalf("kind = %q, want timeout", out.Kind)
	}
	if !out.Retire {
		t.Fatal("timeout must retire the worker")
	}
	if !strings.Contains(out.Evalue, "50ms") {
		t.Fatalf("evalue = %q", out.Evalue)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout took %v", elapsed)
	}
}

func TestInterruptKeepsUnwindingWorker(t *testing.T) {
	r := startRunner(t, Config{})

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		time.Sleep(50 * time.Millisecond)
		for !r.Interrupt("j1") && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
	}()
	out := r.Run(context.Background(), cellJob("j1", `for(;;){}`, 5000), nil)
	if out.Kind != model.ErrKindCancelled {
		t.Fatalf("kind = %q, want cancelled", out.Kind)
	}
	if out.Retire {
		t.Fatal("a worker that unwinds within grace is kept")
	}
	if !r.Alive() {
		t.Fatal("worker should have survived the interrupt")
	}

	out2 := r.Run(context.Background(), cellJob("j2", `40+2;`, 5000), nil)
	if out2.Result == nil || out2.Result.Execution.Status != model.StatusOK {
		t.Fatalf("post-interrupt run = %+v", out2)
	}
}

func TestOutputCapTruncates(t *testing.T) {
	r := startRunner(t, Config{MaxOutputBytes: 256})
	col := &eventCollector{}

	code := `for (var i = 0; i < 100000; i++) console.log("0123456789012345678901234567890123456789");`
	out := r.Run(context.Background(), cellJob("j1", code, 10000), col.sink)
	if out.Kind != model.ErrKindOutputLimit {
		t.Fatalf("kind = %q, want output_limit", out.Kind)
	}

	errTexts := col.streamTexts(model.StreamStderr)
	if len(errTexts) == 0 || errTexts[len(errTexts)-1] != "[output truncated]\n" {
		t.Fatalf("stderr events = %v, want trailing truncation notice", errTexts)
	}
	// Nothing is relayed past the notice even if the worker kept printing.
	events := col.snapshot()
	last := events[len(events)-1]
	se, ok := last.(*model.StreamEvent)
	if !ok || se.Text != "[output truncated]\n" {
		t.Fatalf("last relayed event = %#v, want the truncation notice", last)
	}
}

func TestOutputCapBoundary(t *testing.T) {
	// "0123456789\n" is eleven bytes; a cap of exactly that size must
	// pass untouched.
	r := startRunner(t, Config{MaxOutputBytes: 11})
	col := &eventCollector{}

	out := r.Run(context.Background(), cellJob("j1", `console.log("0123456789");`, 5000), col.sink)
	if out.Result == nil || out.Result.Execution.Status != model.StatusOK {
		t.Fatalf("outcome at the cap = %+v, want ok result", out)
	}
	for _, text := range col.streamTexts(model.StreamStderr) {
		if text == "[output truncated]\n" {
			t.Fatal("truncation notice emitted for output exactly at the cap")
		}
	}

	// One byte over trips it. The busy-wait keeps the job from finishing
	// before the batched flush reaches the runner.
	r2 := startRunner(t, Config{MaxOutputBytes: 10})
	code := `console.log("0123456789"); var t = Date.now(); while (Date.now() - t < 2000) {}`
	out2 := r2.Run(context.Background(), cellJob("j2", code, 10000), nil)
	if out2.Kind != model.ErrKindOutputLimit {
		t.Fatalf("outcome one over the cap = %+v, want output_limit", out2)
	}
}

func TestWorkerCrashMidJob(t *testing.T) {
	cfg := Config{Logger: discardLogger(), BatchMs: 2}
	proc := worker.StartInProc(worker.Config{BatchMs: 2, Logger: cfg.Logger})
	r := New(proc, cfg)
	t.Cleanup(func() {
		r.Kill()
		<-r.Dead()
	})

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = proc.Kill()
	}()
	out := r.Run(context.Background(), cellJob("j1", `for(;;){}`, 10000), nil)
	if out.Kind != model.ErrKindWorkerCrashed {
		t.Fatalf("kind = %q, want worker_crashed", out.Kind)
	}
	if !out.Retire {
		t.Fatal("crash must retire the worker")
	}
}

func TestRunAgainstDeadWorker(t *testing.T) {
	r := startRunner(t, Config{})
	r.Kill()
	<-r.Dead()

	out := r.Run(context.Background(), cellJob("j1", `1;`, 1000), nil)
	if out.Kind != model.ErrKindWorkerCrashed {
		t.Fatalf("kind = %q, want worker_crashed", out.Kind)
	}
}

// silentProc accepts control writes and never produces events.
type silentProc struct {
	ctrlR  *io.PipeReader
	ctrlW  *io.PipeWriter
	evR    *io.PipeReader
	evW    *io.PipeWriter
	killed atomic.Bool
}

func newSilentProc() *silentProc {
	ctrlR, ctrlW := io.Pipe()
	evR, evW := io.Pipe()
	go func() { _, _ = io.Copy(io.Discard, ctrlR) }()
	return &silentProc{ctrlR: ctrlR, ctrlW: ctrlW, evR: evR, evW: evW}
}

func (p *silentProc) Control() io.WriteCloser { return p.ctrlW }
func (p *silentProc) Events() io.Reader       { return p.evR }
func (p *silentProc) Pid() int                { return 0 }
func (p *silentProc) Wait() error             { return nil }

func (p *silentProc) Kill() error {
	p.killed.Store(true)
	p.evR.CloseWithError(io.ErrClosedPipe)
	p.ctrlW.Close()
	return nil
}

func TestAckTimeout(t *testing.T) {
	proc := newSilentProc()
	r := New(proc, Config{AckTimeout: 50 * time.Millisecond, Logger: discardLogger()})
	t.Cleanup(func() { _ = proc.Kill() })

	out := r.Run(context.Background(), cellJob("j1", `1;`, 1000), nil)
	if out.Kind != model.ErrKindWorkerCrashed {
		t.Fatalf("kind = %q, want worker_crashed", out.Kind)
	}
	if !strings.Contains(out.Evalue, "acknowledge") {
		t.Fatalf("evalue = %q", out.Evalue)
	}
	if !proc.killed.Load() {
		t.Fatal("unacknowledging worker was not killed")
	}
}

func TestGarbageStreamKillsWorker(t *testing.T) {
	proc := newSilentProc()
	r := New(proc, Config{Logger: discardLogger()})
	t.Cleanup(func() { _ = proc.Kill() })

	garbage := make([]byte, 20<<10)
	for i := range garbage {
		garbage[i] = 0xFF
	}
	go func() { _, _ = proc.evW.Write(garbage) }()

	select {
	case <-r.Dead():
	case <-time.After(5 * time.Second):
		t.Fatal("runner never gave up on the garbage stream")
	}
	if !proc.killed.Load() {
		t.Fatal("worker with an unrecoverable stream was not killed")
	}
}

func TestPingPong(t *testing.T) {
	r := startRunner(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestCloseLetsWorkerExit(t *testing.T) {
	r := startRunner(t, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if r.Alive() {
		t.Fatal("runner still alive after close")
	}
}
