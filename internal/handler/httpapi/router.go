// Package httpapi mounts the kernel's HTTP surface: the WebSocket
// session endpoint, the long-poll events fallback, session deletion,
// liveness, and the stats snapshot the top dashboard polls.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	otelkit "github.com/nodebooks/kernel/infra/otel"
	"github.com/nodebooks/kernel/internal/domain/session"
	"github.com/nodebooks/kernel/internal/handler/lp"
	wshandler "github.com/nodebooks/kernel/internal/handler/ws"
	"github.com/nodebooks/kernel/internal/service"
)

type Handler struct {
	logger    *slog.Logger
	kernel    service.Kerneler
	providers *otelkit.Providers
}

// New assembles the router. providers may be nil; /statsz then skips
// the transport counters.
func New(logger *slog.Logger, kernel service.Kerneler, wsh *wshandler.WSHandler, lph *lp.LPHandler, providers *otelkit.Providers) http.Handler {
	h := &Handler{
		logger:    logger,
		kernel:    kernel,
		providers: providers,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealthz)
	r.Get("/statsz", h.handleStatsz)
	r.Get("/kernel/sessions", h.handleListSessions)
	r.Get("/kernel/sessions/{sessionID}", wsh.ServeHTTP)
	r.Get("/kernel/sessions/{sessionID}/events", lph.Poll)
	r.Delete("/kernel/sessions/{sessionID}", h.handleCloseSession)

	return r
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleStatsz(w http.ResponseWriter, r *http.Request) {
	resp := statszResponse{KernelStats: h.kernel.Stats()}
	if h.providers != nil {
		rm, err := h.providers.Collect(r.Context())
		if err != nil {
			h.logger.Warn("metrics snapshot failed", "error", err)
		} else {
			resp.Transport = transportFrom(rm)
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// handleListSessions enumerates live sessions; ?notebook= filters to
// one notebook.
func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list := h.kernel.ListSessions(r.URL.Query().Get("notebook"))
	h.writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (h *Handler) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !h.kernel.CloseSession(sessionID, session.CloseReasonClient) {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("response encode failed", "error", err)
	}
}
