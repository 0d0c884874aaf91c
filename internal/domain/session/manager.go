package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nodebooks/kernel/internal/domain/model"
	"github.com/nodebooks/kernel/internal/pool"
	"github.com/nodebooks/kernel/internal/store"
)

var (
	// ErrManagerClosed rejects lookups after Shutdown started.
	ErrManagerClosed = errors.New("session: manager closed")
	// ErrNotebookMismatch is returned when a session id is reused with a
	// different notebook than the one it was created for.
	ErrNotebookMismatch = errors.New("session: notebook mismatch")
	// ErrNotebookRequired is returned when a new session is requested
	// without naming its notebook.
	ErrNotebookRequired = errors.New("session: notebook id required")
)

// Manager owns the session table: create-on-miss lookup, the idle
// reaper, and fan-in shutdown.
type Manager struct {
	store     store.NotebookStore
	pool      pool.Pooler
	cfg       Config
	log       *slog.Logger
	telemetry Telemetry

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	reap bool
	done chan struct{}
	wg   sync.WaitGroup
}

// NewManager wires the session table. The reaper goroutine starts
// immediately unless disabled.
func NewManager(st store.NotebookStore, p pool.Pooler, cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:    st,
		pool:     p,
		cfg:      cfg.withDefaults(),
		log:      slog.Default(),
		sessions: make(map[string]*Session),
		reap:     true,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.reap {
		m.wg.Add(1)
		go m.reapLoop()
	}
	return m
}

// Get returns the session for sessionID, creating it against notebookID
// on first use. An empty sessionID allocates a fresh id. Reusing a live
// session id with a different notebook fails rather than silently
// switching environments.
func (m *Manager) Get(ctx context.Context, sessionID, notebookID string) (*Session, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	if s, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		if notebookID != "" && s.NotebookID() != notebookID {
			return nil, ErrNotebookMismatch
		}
		return s, nil
	}
	m.mu.Unlock()

	if notebookID == "" {
		return nil, ErrNotebookRequired
	}
	nb, err := m.store.GetNotebook(ctx, notebookID)
	if err != nil {
		return nil, err
	}
	env := nb.Env
	if env.NotebookID == "" {
		env.NotebookID = notebookID
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	// [DOUBLE_CHECK] a racing Get may have won while we hit the store.
	if s, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		if s.NotebookID() != notebookID {
			return nil, ErrNotebookMismatch
		}
		return s, nil
	}
	s := New(sessionID, env, m.pool, m.cfg, m.log, m.telemetry)
	m.sessions[sessionID] = s
	n := len(m.sessions)
	m.mu.Unlock()

	m.log.Info("session created",
		"session_id", sessionID, "notebook_id", notebookID, "sessions", n)
	return s, nil
}

// Lookup returns the live session without creating one.
func (m *Manager) Lookup(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Close removes and tears down one session. Reports whether it existed.
func (m *Manager) Close(sessionID, reason string) bool {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.Close(reason)
	return true
}

// Interrupt cancels the in-flight job of one session.
func (m *Manager) Interrupt(sessionID string, purge bool) bool {
	s, ok := m.Lookup(sessionID)
	if !ok {
		return false
	}
	return s.Interrupt(purge)
}

// List snapshots live sessions, oldest first. A non-empty notebookID
// restricts the listing to that notebook's sessions.
func (m *Manager) List(notebookID string) []model.SessionStats {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if notebookID != "" && s.NotebookID() != notebookID {
			continue
		}
		list = append(list, s)
	}
	m.mu.Unlock()

	out := make([]model.SessionStats, 0, len(list))
	for _, s := range list {
		out = append(out, s.Stats())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats snapshots every live session, oldest first.
func (m *Manager) Stats() []model.SessionStats {
	return m.List("")
}

// SetDefaultJobTimeout changes the default per-job deadline for
// sessions created after the call. Live sessions keep theirs.
func (m *Manager) SetDefaultJobTimeout(ms int) {
	if ms < MinTimeoutMs {
		ms = MinTimeoutMs
	}
	m.mu.Lock()
	if ms > m.cfg.KernelTimeoutMs {
		ms = m.cfg.KernelTimeoutMs
	}
	m.cfg.JobTimeoutMs = ms
	m.mu.Unlock()
}

func (m *Manager) reapLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
		}
		var idle []*Session
		m.mu.Lock()
		for id, s := range m.sessions {
			if s.Idle(m.cfg.IdleWindow) {
				delete(m.sessions, id)
				idle = append(idle, s)
			}
		}
		m.mu.Unlock()
		for _, s := range idle {
			m.log.Info("session reaped", "session_id", s.ID(), "notebook_id", s.NotebookID())
			s.Close(CloseReasonIdle)
		}
	}
}

// Shutdown stops the reaper and closes every session, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	snapshot := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshot = append(snapshot, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()

	var wg sync.WaitGroup
	for _, s := range snapshot {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close(CloseReasonShutdown)
		}(s)
	}
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
