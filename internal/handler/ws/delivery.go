package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	otelkit "github.com/nodebooks/kernel/infra/otel"
	"github.com/nodebooks/kernel/internal/domain/model"
	"github.com/nodebooks/kernel/internal/domain/session"
	wsmarshaller "github.com/nodebooks/kernel/internal/handler/marshaller/ws"
	"github.com/nodebooks/kernel/internal/service"
	"github.com/nodebooks/kernel/internal/store"
)

const (
	defaultWriteWait = 10 * time.Second
	// maxClientFrameBytes bounds one inbound message; a cell larger than
	// this is not something the kernel should accept over this socket.
	maxClientFrameBytes = 1 << 20
	// localBacklog buffers socket-local replies (pong, error frames)
	// produced by the read side for the single writer goroutine.
	localBacklog = 16
)

type Config struct {
	// Heartbeat is the WS ping cadence; two missed pongs end the
	// connection. Zero disables the heartbeat.
	Heartbeat time.Duration
	WriteWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.WriteWait <= 0 {
		c.WriteWait = defaultWriteWait
	}
	return c
}

type WSHandler struct {
	logger   *slog.Logger
	kernel   service.Kerneler
	metrics  *otelkit.Metrics
	cfg      Config
	hb       atomic.Int64
	upgrader websocket.Upgrader
}

func NewWSHandler(logger *slog.Logger, kernel service.Kerneler, metrics *otelkit.Metrics, cfg Config) *WSHandler {
	h := &WSHandler{
		logger:  logger,
		kernel:  kernel,
		metrics: metrics,
		cfg:     cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // Security: adjust for production
		},
	}
	h.hb.Store(int64(h.cfg.Heartbeat))
	return h
}

// SetHeartbeat changes the ping cadence for connections opened after
// the call. Zero disables the heartbeat.
func (h *WSHandler) SetHeartbeat(d time.Duration) {
	if d < 0 {
		d = 0
	}
	h.hb.Store(int64(d))
}

func (h *WSHandler) heartbeat() time.Duration {
	return time.Duration(h.hb.Load())
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	notebookID := r.URL.Query().Get("notebook")

	// 1. ATTACH BEFORE UPGRADE so resolution failures stay plain HTTP.
	sub, err := h.kernel.Attach(r.Context(), sessionID, notebookID)
	if err != nil {
		http.Error(w, err.Error(), attachStatus(err))
		return
	}

	// 2. UPGRADE TO WEBSOCKET
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.kernel.Detach(sessionID, sub.GetID())
		h.logger.Error("ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	defer h.kernel.Detach(sessionID, sub.GetID())

	h.logger.Info("ws opened", "session_id", sessionID, "subscriber_id", sub.GetID())

	c := &wsConn{
		h:          h,
		ws:         ws,
		sub:        sub,
		sessionID:  sessionID,
		hb:         h.heartbeat(),
		local:      make(chan []byte, localBacklog),
		stop:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}

	// 3. SINGLE WRITER GOROUTINE, READER STAYS ON THE HANDLER GOROUTINE
	go c.writePump()
	c.readLoop()
	close(c.stop)
	<-c.writerDone
}

func attachStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrSessionRequired), errors.Is(err, session.ErrNotebookRequired):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotebookMismatch):
		return http.StatusConflict
	case errors.Is(err, store.ErrUnavailable), errors.Is(err, session.ErrManagerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// wsConn is the per-connection state shared by the two pump goroutines.
type wsConn struct {
	h         *WSHandler
	ws        *websocket.Conn
	sub       session.Subscriber
	sessionID string
	// hb is the heartbeat cadence captured at attach so both pumps
	// agree for the connection's lifetime.
	hb time.Duration

	// local carries socket-scoped replies from the read side to the
	// writer: pongs and error frames that belong to this client only.
	local chan []byte

	stop       chan struct{}
	writerDone chan struct{}
}

func (c *wsConn) readLoop() {
	h := c.h
	c.ws.SetReadLimit(maxClientFrameBytes)
	if hb := c.hb; hb > 0 {
		wait := 2*hb + hb/2
		_ = c.ws.SetReadDeadline(time.Now().Add(wait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(wait))
		})
	}

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("ws read ended", "session_id", c.sessionID, "error", err)
			}
			return
		}
		c.handleFrame(raw)
	}
}

func (c *wsConn) handleFrame(raw []byte) {
	h := c.h
	f, err := wsmarshaller.ParseClientFrame(raw)
	if err != nil {
		h.metrics.RecordProtocolError(context.Background())
		c.sendError("", "BadRequest", "malformed frame", nil)
		return
	}

	switch f.Type {
	case wsmarshaller.TypePing:
		c.sendLocal(&wsmarshaller.PongFrame{Type: wsmarshaller.TypePong})

	case wsmarshaller.TypeExecuteRequest:
		cell := model.Cell{ID: f.CellID, Source: f.Code, Language: f.CellLanguage()}
		if _, err := h.kernel.Execute(c.sessionID, cell, 0); err != nil {
			c.rejectJob(f.CellID, err)
		}

	case wsmarshaller.TypeInterruptRequest:
		h.kernel.Interrupt(c.sessionID, f.Purge)

	case wsmarshaller.TypeInvokeHandler:
		if _, err := h.kernel.InvokeHandler(c.sessionID, f.HandlerID, f.Event, f.Args(), f.CellID); err != nil {
			c.rejectJob(f.CellID, err)
		}

	default:
		h.logger.Debug("unknown client frame", "session_id", c.sessionID, "type", f.Type)
	}
}

// rejectJob reports a request that never became a job back to this
// client only. Session subscribers are unaffected.
func (c *wsConn) rejectJob(cellID string, err error) {
	var ce *service.CompileError
	switch {
	case errors.As(err, &ce):
		tb := make([]string, 0, len(ce.Diagnostics))
		for _, d := range ce.Diagnostics {
			tb = append(tb, fmt.Sprintf("%d:%d %s", d.Line, d.Col, d.Message))
		}
		evalue := "cell failed to compile"
		if len(ce.Diagnostics) > 0 {
			evalue = ce.Diagnostics[0].Message
		}
		c.sendError(cellID, "SyntaxError", evalue, tb)

	case errors.Is(err, session.ErrSessionClosed):
		c.sendError(cellID, "SessionClosed", "session is closed", nil)

	case errors.Is(err, service.ErrCellRequired),
		errors.Is(err, service.ErrHandlerRequired),
		errors.Is(err, service.ErrSessionNotFound):
		c.h.metrics.RecordProtocolError(context.Background())
		c.sendError(cellID, "BadRequest", err.Error(), nil)

	default:
		c.sendError(cellID, "InternalError", err.Error(), nil)
	}
}

func (c *wsConn) sendError(cellID, ename, evalue string, traceback []string) {
	if traceback == nil {
		traceback = []string{}
	}
	c.sendLocal(&wsmarshaller.ErrorFrame{
		Type:      wsmarshaller.TypeError,
		CellID:    cellID,
		Ename:     ename,
		Evalue:    evalue,
		Traceback: traceback,
	})
}

func (c *wsConn) sendLocal(frame any) {
	raw, err := wsmarshaller.EncodeFrame(frame)
	if err != nil {
		c.h.logger.Error("local frame encode failed", "error", err)
		return
	}
	select {
	case c.local <- raw:
	default:
		c.h.logger.Warn("local reply dropped", "session_id", c.sessionID)
	}
}

func (c *wsConn) writePump() {
	h := c.h
	defer close(c.writerDone)
	defer c.ws.Close()

	var pingC <-chan time.Time
	if c.hb > 0 {
		ticker := time.NewTicker(c.hb)
		defer ticker.Stop()
		pingC = ticker.C
	}

	for {
		select {
		case <-c.stop:
			return

		case <-c.sub.Done():
			// Session- or overflow-initiated teardown. Deliver what is
			// already mailboxed (terminal and closed events) unless the
			// subscriber was dropped for falling behind.
			if errors.Is(c.sub.Err(), session.ErrSlowSubscriber) {
				c.closeWith(websocket.ClosePolicyViolation, "subscriber too slow")
				return
			}
			c.drainMailbox()
			c.closeWith(websocket.CloseNormalClosure, "session closed")
			return

		case ev := <-c.sub.Recv():
			if !c.writeEvent(ev) {
				return
			}

		case raw := <-c.local:
			if !c.writeRaw(raw, "error") {
				return
			}

		case <-pingC:
			deadline := time.Now().Add(h.cfg.WriteWait)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				h.logger.Debug("ws ping failed", "session_id", c.sessionID, "error", err)
				return
			}
		}
	}
}

func (c *wsConn) writeEvent(ev model.Eventer) bool {
	raw, err := wsmarshaller.MarshallKernelEvent(ev)
	if err != nil {
		c.h.logger.Error("event marshal failed", "session_id", c.sessionID, "error", err)
		c.sub.Credit(ev)
		return true
	}
	if !c.writeRaw(raw, wsmarshaller.FrameKind(ev)) {
		return false
	}
	c.sub.Credit(ev)
	return true
}

func (c *wsConn) writeRaw(raw []byte, kind string) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.h.cfg.WriteWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.h.logger.Warn("ws send failed", "session_id", c.sessionID, "error", err)
		return false
	}
	c.h.metrics.RecordFrame(context.Background(), kind, len(raw))
	return true
}

// drainMailbox flushes events already queued for this subscriber. The
// channel stays open after Done, so this never blocks.
func (c *wsConn) drainMailbox() {
	for {
		select {
		case ev := <-c.sub.Recv():
			if !c.writeEvent(ev) {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) closeWith(code int, text string) {
	deadline := time.Now().Add(c.h.cfg.WriteWait)
	msg := websocket.FormatCloseMessage(code, text)
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		c.h.logger.Debug("ws close write failed", "session_id", c.sessionID, "error", err)
	}
}
