package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nodebooks/kernel/internal/domain/model"
	"github.com/nodebooks/kernel/internal/pool"
	"github.com/nodebooks/kernel/internal/runner"
	"github.com/nodebooks/kernel/internal/store"
	"github.com/nodebooks/kernel/internal/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(t *testing.T, size int) *pool.Pool {
	t.Helper()
	log := discardLogger()
	p := pool.New(runner.SpawnerFunc(func(ctx context.Context) (runner.Proc, error) {
		return worker.StartInProc(worker.Config{BatchMs: 2, Logger: log}), nil
	}), pool.Config{Size: size, BatchMs: 2}, pool.WithLogger(log), pool.WithPingInterval(0))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func newTestSession(t *testing.T, poolSize int, cfg Config) *Session {
	t.Helper()
	p := newTestPool(t, poolSize)
	s := New("s1", model.NotebookEnv{NotebookID: "nb1"}, p, cfg, discardLogger(), nil)
	t.Cleanup(func() { s.Close(CloseReasonShutdown) })
	return s
}

func attach(t *testing.T, s *Session) Subscriber {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sub, err := s.Attach(ctx)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	return sub
}

func execute(t *testing.T, s *Session, cellID, code string, timeoutMs int) string {
	t.Helper()
	jobID, err := s.Execute(model.Cell{ID: cellID, Source: code, Language: model.LangJS}, code, timeoutMs)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	return jobID
}

// collect drains sub until stop matches; after Done fires it still
// empties the mailbox so events published right before close are seen.
func collect(t *testing.T, sub Subscriber, timeout time.Duration, stop func(model.Eventer) bool) []model.Eventer {
	t.Helper()
	var evs []model.Eventer
	deadline := time.After(timeout)
	take := func(ev model.Eventer) bool {
		sub.Credit(ev)
		evs = append(evs, ev)
		return stop != nil && stop(ev)
	}
	for {
		select {
		case ev := <-sub.Recv():
			if take(ev) {
				return evs
			}
		case <-sub.Done():
			for {
				select {
				case ev := <-sub.Recv():
					if take(ev) {
						return evs
					}
				default:
					return evs
				}
			}
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %d so far", len(evs))
		}
	}
}

func terminalFor(jobID string) func(model.Eventer) bool {
	return func(ev model.Eventer) bool {
		t := ev.GetType()
		return (t == model.EventResult || t == model.EventError) && ev.GetJobID() == jobID
	}
}

func closedEvent(ev model.Eventer) bool { return ev.GetType() == model.EventClosed }

func TestExecuteStreamsAndResult(t *testing.T) {
	s := newTestSession(t, 1, Config{})
	sub := attach(t, s)

	jobID := execute(t, s, "cell-1", `console.log("hi"); 40+2;`, 0)
	evs := collect(t, sub, 5*time.Second, terminalFor(jobID))

	// Attach delivers the current status before any live traffic.
	first, ok := evs[0].(*model.StatusEvent)
	if !ok || first.State != model.SessionIdle {
		t.Fatalf("first event = %#v, want idle status", evs[0])
	}

	var sawBusy, sawStream bool
	for _, ev := range evs {
		switch e := ev.(type) {
		case *model.StatusEvent:
			if e.State == model.SessionBusy && e.JobID == jobID {
				sawBusy = true
			}
		case *model.StreamEvent:
			if e.Name == model.StreamStdout && e.Text == "hi\n" {
				sawStream = true
			}
		}
	}
	if !sawBusy || !sawStream {
		t.Fatalf("busy=%v stream=%v, events %#v", sawBusy, sawStream, evs)
	}

	res, ok := evs[len(evs)-1].(*model.ResultEvent)
	if !ok {
		t.Fatalf("terminal = %#v, want result", evs[len(evs)-1])
	}
	if res.CellID != "cell-1" || res.Execution.Status != model.StatusOK {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Outputs) != 2 || res.Outputs[1].Data != float64(42) {
		t.Fatalf("outputs = %+v", res.Outputs)
	}

	// The attach cut itself predates the job; everything after it must
	// carry strictly increasing sequence numbers.
	prev := evs[0].GetSeq()
	for _, ev := range evs[1:] {
		if ev.GetSeq() <= prev {
			t.Fatalf("seq not increasing: %d after %d", ev.GetSeq(), prev)
		}
		prev = ev.GetSeq()
	}
}

func TestUserErrorTerminal(t *testing.T) {
	s := newTestSession(t, 1, Config{})
	sub := attach(t, s)

	jobID := execute(t, s, "cell-1", `throw new Error("boom");`, 0)
	evs := collect(t, sub, 5*time.Second, terminalFor(jobID))

	errEv, ok := evs[len(evs)-1].(*model.ErrorEvent)
	if !ok {
		t.Fatalf("terminal = %#v, want error event", evs[len(evs)-1])
	}
	if errEv.Kind != model.ErrKindUser {
		t.Fatalf("kind = %q", errEv.Kind)
	}
	if errEv.Err.Ename != "Error" || errEv.Err.Evalue != "boom" {
		t.Fatalf("err = %+v", errEv.Err)
	}

	// The session stays usable after a user error.
	jobID2 := execute(t, s, "cell-2", `1;`, 0)
	evs = collect(t, sub, 5*time.Second, terminalFor(jobID2))
	if _, ok := evs[len(evs)-1].(*model.ResultEvent); !ok {
		t.Fatalf("second terminal = %#v", evs[len(evs)-1])
	}
}

func TestExecuteRunsInSubmissionOrder(t *testing.T) {
	s := newTestSession(t, 1, Config{})
	sub := attach(t, s)

	j1 := execute(t, s, "cell-1", `console.log("one");`, 0)
	j2 := execute(t, s, "cell-2", `console.log("two");`, 0)
	j3 := execute(t, s, "cell-3", `console.log("three");`, 0)

	evs := collect(t, sub, 10*time.Second, terminalFor(j3))

	var terminals []string
	var streams []string
	for _, ev := range evs {
		switch e := ev.(type) {
		case *model.ResultEvent:
			terminals = append(terminals, e.JobID)
		case *model.StreamEvent:
			streams = append(streams, e.Text)
		}
	}
	want := []string{j1, j2, j3}
	if len(terminals) != 3 {
		t.Fatalf("terminals = %v", terminals)
	}
	for i := range want {
		if terminals[i] != want[i] {
			t.Fatalf("terminal order = %v, want %v", terminals, want)
		}
	}
	wantStreams := []string{"one\n", "two\n", "three\n"}
	if len(streams) != 3 {
		t.Fatalf("streams = %v", streams)
	}
	for i := range wantStreams {
		if streams[i] != wantStreams[i] {
			t.Fatalf("stream order = %v", streams)
		}
	}
}

func TestFanOutDeliversIdenticalOrder(t *testing.T) {
	s := newTestSession(t, 1, Config{})
	one := attach(t, s)
	two := attach(t, s)

	jobID := execute(t, s, "cell-1", `console.log("a"); console.log("b"); 1;`, 0)
	evsOne := collect(t, one, 5*time.Second, terminalFor(jobID))
	evsTwo := collect(t, two, 5*time.Second, terminalFor(jobID))

	// Stamped events must arrive in the same order on every subscriber;
	// only the unstamped attach cut may differ.
	stamped := func(evs []model.Eventer) []uint64 {
		var seqs []uint64
		for _, ev := range evs {
			if ev.GetSeq() > 0 {
				seqs = append(seqs, ev.GetSeq())
			}
		}
		return seqs
	}
	seqOne, seqTwo := stamped(evsOne), stamped(evsTwo)
	if len(seqOne) == 0 || len(seqOne) != len(seqTwo) {
		t.Fatalf("stamped counts differ: %d vs %d", len(seqOne), len(seqTwo))
	}
	for i := range seqOne {
		if seqOne[i] != seqTwo[i] {
			t.Fatalf("order diverges at %d: %v vs %v", i, seqOne, seqTwo)
		}
	}

	streamed := func(evs []model.Eventer) string {
		var text string
		for _, ev := range evs {
			if e, ok := ev.(*model.StreamEvent); ok {
				text += e.Text
			}
		}
		return text
	}
	if got := streamed(evsOne); got != "a\nb\n" {
		t.Fatalf("stream text = %q", got)
	}
	if streamed(evsOne) != streamed(evsTwo) {
		t.Fatalf("stream content diverges between subscribers")
	}
}

func TestGlobalsFlowAcrossCells(t *testing.T) {
	s := newTestSession(t, 1, Config{})
	sub := attach(t, s)

	j1 := execute(t, s, "cell-1", `var x = 41;`, 0)
	collect(t, sub, 5*time.Second, terminalFor(j1))

	if got := s.Globals()["x"]; got != float64(41) {
		t.Fatalf("globals x = %#v, want 41", got)
	}

	j2 := execute(t, s, "cell-2", `console.log(x + 1);`, 0)
	evs := collect(t, sub, 5*time.Second, terminalFor(j2))

	var printed string
	for _, ev := range evs {
		if e, ok := ev.(*model.StreamEvent); ok {
			printed += e.Text
		}
	}
	if printed != "42\n" {
		t.Fatalf("printed = %q", printed)
	}
}

func TestAttachReplaysHistory(t *testing.T) {
	s := newTestSession(t, 1, Config{})

	// Run to completion with nobody attached; events land in the ring.
	early := attach(t, s)
	jobID := execute(t, s, "cell-1", `console.log("kept"); 7;`, 0)
	collect(t, early, 5*time.Second, terminalFor(jobID))
	s.Detach(early.GetID())

	late := attach(t, s)
	evs := collect(t, late, 5*time.Second, func(ev model.Eventer) bool {
		return ev.GetType() == model.EventStatus
	})

	// Replay carries the stream and result, then the live status cut.
	var sawStream, sawResult bool
	for _, ev := range evs[:len(evs)-1] {
		switch e := ev.(type) {
		case *model.StreamEvent:
			if e.Text == "kept\n" {
				sawStream = true
			}
		case *model.ResultEvent:
			if e.JobID == jobID {
				sawResult = true
			}
		}
	}
	if !sawStream || !sawResult {
		t.Fatalf("replay stream=%v result=%v, events %#v", sawStream, sawResult, evs)
	}
	last, ok := evs[len(evs)-1].(*model.StatusEvent)
	if !ok || last.State != model.SessionIdle {
		t.Fatalf("cut = %#v, want idle status", evs[len(evs)-1])
	}
}

func TestTimeoutSynthesizesTerminalAndRecovers(t *testing.T) {
	s := newTestSession(t, 1, Config{})
	sub := attach(t, s)

	jobID := execute(t, s, "cell-1", `while (true) {}`, 600)
	evs := collect(t, sub, 10*time.Second, terminalFor(jobID))

	errEv, ok := evs[len(evs)-1].(*model.ErrorEvent)
	if !ok || errEv.Kind != model.ErrKindTimeout {
		t.Fatalf("terminal = %#v, want timeout error", evs[len(evs)-1])
	}

	// The retired worker is replaced transparently on the next job.
	jobID2 := execute(t, s, "cell-2", `"back";`, 0)
	evs = collect(t, sub, 10*time.Second, terminalFor(jobID2))
	res, ok := evs[len(evs)-1].(*model.ResultEvent)
	if !ok || res.Execution.Status != model.StatusOK {
		t.Fatalf("recovery terminal = %#v", evs[len(evs)-1])
	}
}

func TestInterruptPurgesQueue(t *testing.T) {
	s := newTestSession(t, 1, Config{})
	sub := attach(t, s)

	busy := execute(t, s, "cell-1", `while (true) {}`, 0)
	q1 := execute(t, s, "cell-2", `1;`, 0)
	q2 := execute(t, s, "cell-3", `2;`, 0)

	// Wait for the long job to actually start before interrupting.
	waitUntil(t, 5*time.Second, func() bool { return s.Stats().InFlight })
	if !s.Interrupt(true) {
		t.Fatal("interrupt returned false with a job in flight")
	}

	seen := map[string]model.ErrorKind{}
	collect(t, sub, 10*time.Second, func(ev model.Eventer) bool {
		if e, ok := ev.(*model.ErrorEvent); ok {
			seen[e.JobID] = e.Kind
		}
		return len(seen) == 3
	})
	for _, id := range []string{busy, q1, q2} {
		if seen[id] != model.ErrKindCancelled {
			t.Fatalf("job %s kind = %q, want cancelled (all: %v)", id, seen[id], seen)
		}
	}

	jobID := execute(t, s, "cell-4", `"alive";`, 0)
	evs := collect(t, sub, 10*time.Second, terminalFor(jobID))
	if _, ok := evs[len(evs)-1].(*model.ResultEvent); !ok {
		t.Fatalf("post-interrupt terminal = %#v", evs[len(evs)-1])
	}
}

func TestCloseDeliversTerminalsThenClosed(t *testing.T) {
	s := newTestSession(t, 1, Config{})
	sub := attach(t, s)

	busy := execute(t, s, "cell-1", `while (true) {}`, 0)
	queued := execute(t, s, "cell-2", `1;`, 0)
	waitUntil(t, 5*time.Second, func() bool { return s.Stats().InFlight })

	s.Close(CloseReasonClient)

	evs := collect(t, sub, 10*time.Second, closedEvent)
	last, ok := evs[len(evs)-1].(*model.ClosedEvent)
	if !ok || last.Reason != CloseReasonClient {
		t.Fatalf("last event = %#v, want closed(client)", evs[len(evs)-1])
	}
	kinds := map[string]model.ErrorKind{}
	for _, ev := range evs {
		if e, ok := ev.(*model.ErrorEvent); ok {
			kinds[e.JobID] = e.Kind
		}
	}
	if kinds[busy] != model.ErrKindCancelled || kinds[queued] != model.ErrKindCancelled {
		t.Fatalf("terminal kinds = %v", kinds)
	}

	if _, err := s.Execute(model.Cell{ID: "cell-3"}, `1;`, 0); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("execute after close = %v", err)
	}
	if _, err := s.Attach(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("attach after close = %v", err)
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	s := newTestSession(t, 1, Config{HighWaterBytes: 128, MailboxSize: 2})
	sub := attach(t, s)

	// Nobody drains sub; the first burst blows its byte budget.
	execute(t, s, "cell-1", `for (var i = 0; i < 50; i++) console.log("spam " + i);`, 0)

	select {
	case <-sub.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("slow subscriber was never dropped")
	}
	if !errors.Is(sub.Err(), ErrSlowSubscriber) {
		t.Fatalf("err = %v, want ErrSlowSubscriber", sub.Err())
	}

	// The session itself keeps executing; watch the globals advance
	// rather than attaching another sink under the same tiny budget.
	execute(t, s, "cell-2", `var ok2 = 1;`, 0)
	waitUntil(t, 10*time.Second, func() bool { return s.Globals()["ok2"] == float64(1) })
}

func TestInvokeHandlerSharesJobLifecycle(t *testing.T) {
	s := newTestSession(t, 1, Config{})
	sub := attach(t, s)

	j1 := execute(t, s, "cell-1",
		`var count = 0; display({ inc: () => { count += 1; return count; } });`, 0)
	evs := collect(t, sub, 5*time.Second, terminalFor(j1))

	var ref string
	for _, ev := range evs {
		e, ok := ev.(*model.DisplayEvent)
		if !ok {
			continue
		}
		obj, ok := e.Data.(map[string]any)
		if !ok {
			t.Fatalf("display data = %#v", e.Data)
		}
		if r, ok := obj["inc"].(model.HandlerRef); ok {
			ref = string(r)
		}
	}
	if ref == "" {
		t.Fatalf("no handler ref in events %#v", evs)
	}

	j2, err := s.InvokeHandler(ref, "click", nil, "cell-1")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	evs = collect(t, sub, 5*time.Second, terminalFor(j2))
	res, ok := evs[len(evs)-1].(*model.ResultEvent)
	if !ok || res.Execution.Status != model.StatusOK {
		t.Fatalf("terminal = %#v", evs[len(evs)-1])
	}
	if len(res.Outputs) != 1 || res.Outputs[0].Data != float64(1) {
		t.Fatalf("outputs = %+v", res.Outputs)
	}
	if got := s.Globals()["count"]; got != float64(1) {
		t.Fatalf("count = %#v, want 1", got)
	}
}

func TestSessionStats(t *testing.T) {
	s := newTestSession(t, 1, Config{})
	sub := attach(t, s)

	st := s.Stats()
	if st.ID != "s1" || st.NotebookID != "nb1" || st.Subscribers != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if st.State != model.SessionIdle || st.InFlight {
		t.Fatalf("stats = %+v", st)
	}

	jobID := execute(t, s, "cell-1", `1;`, 0)
	collect(t, sub, 5*time.Second, terminalFor(jobID))
	if st := s.Stats(); st.QueueDepth != 0 || st.InFlight {
		t.Fatalf("stats after drain = %+v", st)
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestManagerCreateLookupMismatch(t *testing.T) {
	p := newTestPool(t, 1)
	st := store.NewMemoryStore()
	st.Put(&store.Notebook{ID: "nb1", Env: model.NotebookEnv{NotebookID: "nb1"}})
	m := NewManager(st, p, Config{}, WithLogger(discardLogger()), WithoutReaper())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	ctx := context.Background()

	s, err := m.Get(ctx, "", "nb1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.ID() == "" || s.NotebookID() != "nb1" {
		t.Fatalf("session = %s/%s", s.ID(), s.NotebookID())
	}

	again, err := m.Get(ctx, s.ID(), "nb1")
	if err != nil || again != s {
		t.Fatalf("second get = %v, %v", again, err)
	}
	if got, ok := m.Lookup(s.ID()); !ok || got != s {
		t.Fatalf("lookup = %v, %v", got, ok)
	}

	if _, err := m.Get(ctx, s.ID(), "nb2"); !errors.Is(err, ErrNotebookMismatch) {
		t.Fatalf("mismatch err = %v", err)
	}
	if _, err := m.Get(ctx, "fresh", ""); !errors.Is(err, ErrNotebookRequired) {
		t.Fatalf("missing notebook err = %v", err)
	}
	if _, err := m.Get(ctx, "fresh", "absent"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown notebook err = %v", err)
	}
}

func TestManagerListFiltersByNotebook(t *testing.T) {
	p := newTestPool(t, 1)
	st := store.NewMemoryStore(store.WithOpenCreate(true))
	m := NewManager(st, p, Config{}, WithLogger(discardLogger()), WithoutReaper())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	ctx := context.Background()

	for _, pair := range [][2]string{{"s1", "nb1"}, {"s2", "nb2"}, {"s3", "nb1"}} {
		if _, err := m.Get(ctx, pair[0], pair[1]); err != nil {
			t.Fatalf("get %s: %v", pair[0], err)
		}
	}

	all := m.List("")
	if len(all) != 3 {
		t.Fatalf("list = %+v", all)
	}
	for i, want := range []string{"s1", "s2", "s3"} {
		if all[i].ID != want {
			t.Fatalf("list order = %+v", all)
		}
	}

	nb1 := m.List("nb1")
	if len(nb1) != 2 || nb1[0].ID != "s1" || nb1[1].ID != "s3" {
		t.Fatalf("nb1 list = %+v", nb1)
	}
	if got := m.List("absent"); len(got) != 0 {
		t.Fatalf("absent list = %+v", got)
	}
}

func TestManagerReapsIdleSessions(t *testing.T) {
	p := newTestPool(t, 1)
	st := store.NewMemoryStore(store.WithOpenCreate(true))
	m := NewManager(st, p, Config{IdleWindow: 20 * time.Millisecond, SweepInterval: 5 * time.Millisecond},
		WithLogger(discardLogger()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	ctx := context.Background()

	idle, err := m.Get(ctx, "idle", "nb1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	held, err := m.Get(ctx, "held", "nb1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	sub := attach(t, held)
	defer held.Detach(sub.GetID())

	waitUntil(t, 5*time.Second, func() bool {
		_, ok := m.Lookup("idle")
		return !ok
	})
	if !idle.Closed() {
		t.Fatal("reaped session not closed")
	}
	if _, ok := m.Lookup("held"); !ok {
		t.Fatal("session with a subscriber was reaped")
	}
}

func TestManagerShutdownClosesEverything(t *testing.T) {
	p := newTestPool(t, 2)
	st := store.NewMemoryStore(store.WithOpenCreate(true))
	m := NewManager(st, p, Config{}, WithLogger(discardLogger()), WithoutReaper())
	ctx := context.Background()

	s1, err := m.Get(ctx, "s1", "nb1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	s2, err := m.Get(ctx, "s2", "nb2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	sub1 := attach(t, s1)
	sub2 := attach(t, s2)

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(sctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	for _, sub := range []Subscriber{sub1, sub2} {
		evs := collect(t, sub, 5*time.Second, closedEvent)
		last, ok := evs[len(evs)-1].(*model.ClosedEvent)
		if !ok || last.Reason != CloseReasonShutdown {
			t.Fatalf("last event = %#v", evs[len(evs)-1])
		}
	}
	if _, err := m.Get(ctx, "s3", "nb3"); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("get after shutdown = %v", err)
	}
	if _, err := s1.Execute(model.Cell{ID: "c"}, `1;`, 0); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("execute after shutdown = %v", err)
	}
	if !s2.Closed() {
		t.Fatal("second session still open after shutdown")
	}
}
