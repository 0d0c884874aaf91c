package ws

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/nodebooks/kernel/internal/domain/model"
	"github.com/nodebooks/kernel/internal/domain/session"
	"github.com/nodebooks/kernel/internal/pool"
	"github.com/nodebooks/kernel/internal/runner"
	"github.com/nodebooks/kernel/internal/service"
	"github.com/nodebooks/kernel/internal/store"
	"github.com/nodebooks/kernel/internal/transpile"
	"github.com/nodebooks/kernel/internal/worker"
)

type frame = map[string]any

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStack(t *testing.T, hb time.Duration) (*httptest.Server, service.Kerneler) {
	t.Helper()
	log := discardLogger()

	p := pool.New(runner.SpawnerFunc(func(ctx context.Context) (runner.Proc, error) {
		return worker.StartInProc(worker.Config{BatchMs: 2, Logger: log}), nil
	}), pool.Config{Size: 1, BatchMs: 2}, pool.WithLogger(log), pool.WithPingInterval(0))

	mem := store.NewMemoryStore()
	mem.Put(&store.Notebook{ID: "nb1", Env: model.NotebookEnv{NotebookID: "nb1"}})

	mgr := session.NewManager(mem, p, session.Config{},
		session.WithLogger(log), session.WithoutReaper())
	svc := service.NewKernelService(mgr, p, transpile.NewNotebook())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mgr.Shutdown(ctx); err != nil {
			t.Errorf("manager shutdown: %v", err)
		}
		if err := p.Shutdown(ctx); err != nil {
			t.Errorf("pool shutdown: %v", err)
		}
	})

	h := NewWSHandler(log, svc, nil, Config{Heartbeat: hb})
	r := chi.NewRouter()
	r.Get("/kernel/sessions/{sessionID}", h.ServeHTTP)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return srv, svc
}

func wsDial(t *testing.T, srv *httptest.Server, sessionID, notebook string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/kernel/sessions/" + sessionID
	if notebook != "" {
		url += "?notebook=" + notebook
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func recvFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func recvType(t *testing.T, conn *websocket.Conn, want string) frame {
	t.Helper()
	f := recvFrame(t, conn)
	if f["type"] != want {
		t.Fatalf("frame type = %v (%v), want %s", f["type"], f, want)
	}
	return f
}

func TestExecuteRoundTrip(t *testing.T) {
	srv, _ := newTestStack(t, 0)
	conn := wsDial(t, srv, "s1", "nb1")

	// Replay cut for a fresh session.
	idle := recvType(t, conn, "status")
	if idle["state"] != "idle" {
		t.Fatalf("initial status = %v", idle)
	}

	err := conn.WriteJSON(frame{
		"type":   "execute_request",
		"cellId": "cell-1",
		"code":   `console.log("hi"); 40 + 2`,
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	busy := recvType(t, conn, "status")
	if busy["state"] != "busy" {
		t.Fatalf("status = %v", busy)
	}

	stream := recvType(t, conn, "stream")
	if stream["cellId"] != "cell-1" || stream["name"] != "stdout" || stream["text"] != "hi\n" {
		t.Fatalf("stream = %v", stream)
	}

	result := recvType(t, conn, "execute_result")
	if result["cellId"] != "cell-1" {
		t.Fatalf("result = %v", result)
	}
	outputs, ok := result["outputs"].([]any)
	if !ok || len(outputs) != 2 {
		t.Fatalf("outputs = %v", result["outputs"])
	}
	display := outputs[1].(map[string]any)
	if display["type"] != "display" || display["data"] != float64(42) {
		t.Fatalf("completion output = %v", display)
	}
	exec := result["execution"].(map[string]any)
	if exec["status"] != "ok" {
		t.Fatalf("execution = %v", exec)
	}

	after := recvType(t, conn, "status")
	if after["state"] != "idle" {
		t.Fatalf("trailing status = %v", after)
	}
}

func TestSyntaxErrorStaysSocketLocal(t *testing.T) {
	srv, _ := newTestStack(t, 0)
	conn := wsDial(t, srv, "s1", "nb1")
	recvType(t, conn, "status")

	err := conn.WriteJSON(frame{
		"type":   "execute_request",
		"cellId": "cell-1",
		"code":   `const = ;`,
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	errFrame := recvType(t, conn, "error")
	if errFrame["ename"] != "SyntaxError" || errFrame["cellId"] != "cell-1" {
		t.Fatalf("error frame = %v", errFrame)
	}
	tb, ok := errFrame["traceback"].([]any)
	if !ok || len(tb) == 0 {
		t.Fatalf("traceback = %v", errFrame["traceback"])
	}

	// The gate rejected the cell synchronously; the session never went
	// busy and still runs the next cell.
	if err := conn.WriteJSON(frame{"type": "execute_request", "cellId": "cell-2", "code": `1`}); err != nil {
		t.Fatalf("write: %v", err)
	}
	busy := recvType(t, conn, "status")
	if busy["state"] != "busy" {
		t.Fatalf("status = %v", busy)
	}
	recvType(t, conn, "execute_result")
	recvType(t, conn, "status")
}

func TestPingAnsweredWithPong(t *testing.T) {
	srv, _ := newTestStack(t, 0)
	conn := wsDial(t, srv, "s1", "nb1")
	recvType(t, conn, "status")

	if err := conn.WriteJSON(frame{"type": "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	recvType(t, conn, "pong")
}

func TestMalformedFrameGetsBadRequest(t *testing.T) {
	srv, _ := newTestStack(t, 0)
	conn := wsDial(t, srv, "s1", "nb1")
	recvType(t, conn, "status")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{oops`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	errFrame := recvType(t, conn, "error")
	if errFrame["ename"] != "BadRequest" {
		t.Fatalf("error frame = %v", errFrame)
	}

	// The socket survives its own bad frame.
	if err := conn.WriteJSON(frame{"type": "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	recvType(t, conn, "pong")
}

func TestUnknownTypeIgnored(t *testing.T) {
	srv, _ := newTestStack(t, 0)
	conn := wsDial(t, srv, "s1", "nb1")
	recvType(t, conn, "status")

	if err := conn.WriteJSON(frame{"type": "subscribe_v2"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.WriteJSON(frame{"type": "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Nothing was emitted for the unknown frame.
	recvType(t, conn, "pong")
}

func TestClosedFrameThenNormalClose(t *testing.T) {
	srv, svc := newTestStack(t, 0)
	conn := wsDial(t, srv, "s1", "nb1")
	recvType(t, conn, "status")

	if !svc.CloseSession("s1", session.CloseReasonClient) {
		t.Fatal("close missed the session")
	}

	closed := recvType(t, conn, "closed")
	if closed["reason"] != session.CloseReasonClient {
		t.Fatalf("closed = %v", closed)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f frame
	err := conn.ReadJSON(&f)
	if err == nil {
		t.Fatalf("socket stayed open, got %v", f)
	}
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("close err = %v, want normal closure", err)
	}
}

func TestAttachFailureIsPlainHTTP(t *testing.T) {
	srv, _ := newTestStack(t, 0)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/kernel/sessions/s1?notebook=missing"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial succeeded for an unknown notebook")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestHeartbeatTwoMissClose(t *testing.T) {
	srv, _ := newTestStack(t, 40*time.Millisecond)
	conn := wsDial(t, srv, "s1", "nb1")
	recvType(t, conn, "status")

	// Swallow server pings so no pong goes back.
	conn.SetPingHandler(func(string) error { return nil })

	start := time.Now()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err == nil {
		t.Fatalf("connection survived without pongs, got %v", f)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("server took %v to drop a silent client", elapsed)
	}
}

func TestHeartbeatKeepsResponsiveClientAlive(t *testing.T) {
	srv, _ := newTestStack(t, 40*time.Millisecond)
	conn := wsDial(t, srv, "s1", "nb1")
	recvType(t, conn, "status")

	// Five request/reply rounds spanning several heartbeat windows; the
	// default client ping handler answers the server's pings during
	// each blocking read.
	for i := 0; i < 5; i++ {
		if err := conn.WriteJSON(frame{"type": "ping"}); err != nil {
			t.Fatalf("round %d write: %v", i, err)
		}
		recvType(t, conn, "pong")
		time.Sleep(50 * time.Millisecond)
	}
}
