// Package lp serves session events over plain HTTP long-polling, the
// fallback for clients that cannot hold a WebSocket open.
package lp

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nodebooks/kernel/internal/domain/model"
	"github.com/nodebooks/kernel/internal/domain/session"
	lpmarshaller "github.com/nodebooks/kernel/internal/handler/marshaller/lp"
	"github.com/nodebooks/kernel/internal/service"
	"github.com/nodebooks/kernel/internal/store"
)

const (
	// DefaultWait holds the poll open this long before replying 204.
	DefaultWait = 30 * time.Second
	MaxWait     = 60 * time.Second
	// maxBatch caps how many events a single response carries.
	maxBatch = 16
)

type LPHandler struct {
	kernel service.Kerneler
}

func NewLPHandler(kernel service.Kerneler) *LPHandler {
	return &LPHandler{
		kernel: kernel,
	}
}

// Poll handles the long-polling request. Without a cursor it returns the
// session's replay snapshot at once; with ?after= it holds the
// connection until a frame past that sequence arrives or the wait
// expires.
func (h *LPHandler) Poll(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	notebookID := r.URL.Query().Get("notebook")

	afterParam := r.URL.Query().Get("after")
	after, hasAfter := parseAfter(afterParam)
	wait := parseWait(r.URL.Query().Get("wait_ms"))

	// A poll subscription lives only for the duration of this request.
	sub, err := h.kernel.Attach(r.Context(), sessionID, notebookID)
	if err != nil {
		http.Error(w, err.Error(), attachStatus(err))
		return
	}
	defer h.kernel.Detach(sessionID, sub.GetID())
	defer sub.Close()

	pass := func(ev model.Eventer) bool {
		return !hasAfter || ev.GetSeq() > after
	}

	var events []model.Eventer
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

wait:
	for {
		select {
		case <-r.Context().Done():
			// Client disconnected.
			return

		case <-deadline.C:
			w.WriteHeader(http.StatusNoContent)
			return

		case <-sub.Done():
			// The mailbox stays readable after Done; a closed frame is
			// usually among what is left.
			events = drain(sub, events, pass)
			if len(events) == 0 {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			break wait

		case ev := <-sub.Recv():
			sub.Credit(ev)
			if pass(ev) {
				events = append(events, ev)
				break wait
			}
		}
	}

	// Drain whatever else is mailboxed so one response batches it.
	events = drain(sub, events, pass)

	data, err := lpmarshaller.MarshallEvents(events)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func drain(sub session.Subscriber, events []model.Eventer, pass func(model.Eventer) bool) []model.Eventer {
	for len(events) < maxBatch {
		select {
		case ev := <-sub.Recv():
			sub.Credit(ev)
			if pass(ev) {
				events = append(events, ev)
			}
		default:
			return events
		}
	}
	return events
}

func parseAfter(q string) (uint64, bool) {
	if q == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(q, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseWait(q string) time.Duration {
	ms, err := strconv.Atoi(q)
	if err != nil || ms <= 0 {
		return DefaultWait
	}
	d := time.Duration(ms) * time.Millisecond
	if d > MaxWait {
		return MaxWait
	}
	return d
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
