// Package httpsrv runs the kernel's HTTP listener under the fx
// lifecycle.
package httpsrv

import (
	"log/slog"
	"net/http"
	"time"
)

type Config struct {
	Addr string
}

// New builds the listener around the assembled router. Only the header
// read is bounded: the session socket is long-lived, so global
// read/write timeouts would cut it.
func New(cfg Config, handler http.Handler, logger *slog.Logger) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
}
