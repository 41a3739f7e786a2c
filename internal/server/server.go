// Package server exposes the update flow over HTTP: a JSON status
// snapshot, a websocket event stream, and the confirm and dismiss
// buttons.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/chaz8081/nuimo-dfu/internal/workflow"
)

// Event types sent on the websocket.
const (
	EventSnapshot  = "snapshot"
	EventStep      = "step"
	EventStatus    = "status"
	EventProgress  = "progress"
	EventDismissed = "dismissed"
)

// Controls are the user actions the server can trigger.
type Controls interface {
	Confirm()
	Dismiss()
}

// Status is the current view of the flow.
type Status struct {
	Step           string  `json:"step"`
	Message        string  `json:"message,omitempty"`
	StatusText     string  `json:"status_text"`
	Progress       float64 `json:"progress"`
	ConfirmLabel   string  `json:"confirm_label"`
	ConfirmEnabled bool    `json:"confirm_enabled"`
	CancelEnabled  bool    `json:"cancel_enabled"`
	Dismissed      bool    `json:"dismissed"`
}

// Event is one websocket message: what changed and the resulting status.
type Event struct {
	Type   string    `json:"type"`
	Status Status    `json:"status"`
	Time   time.Time `json:"time"`
}

var upgrader = websocket.Upgrader{
	// Local tool; any origin may watch.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server serves the status API. It implements workflow.Observer.
type Server struct {
	controls Controls
	hub      *Hub

	mu     sync.Mutex
	status Status
}

var _ workflow.Observer = (*Server)(nil)

// New creates a Server driving controls.
func New(controls Controls) *Server {
	intro := workflow.Step{Kind: workflow.StepIntro}
	h := workflow.HintsFor(intro)
	return &Server{
		controls: controls,
		hub:      NewHub(),
		status: Status{
			Step:           intro.Kind.String(),
			ConfirmLabel:   h.ConfirmLabel,
			ConfirmEnabled: h.ConfirmEnabled,
			CancelEnabled:  h.CancelEnabled,
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		// The event stream is long-lived; only plain requests get a timeout.
		r.Get("/events", s.handleEvents)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(10 * time.Second))
			r.Get("/status", s.handleStatus)
			r.Post("/confirm", s.handleConfirm)
			r.Post("/dismiss", s.handleDismiss)
		})
	})
	return r
}

// Serve listens on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("[Server] listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("[Server] graceful shutdown failed", "error", err)
		_ = srv.Close()
	}
	slog.Info("[Server] stopped")
	return nil
}

// Snapshot returns the current status.
func (s *Server) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	st := s.Snapshot()
	if st.Dismissed || !st.ConfirmEnabled {
		http.Error(w, "confirm is not available in step "+st.Step, http.StatusConflict)
		return
	}
	s.controls.Confirm()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	if s.Snapshot().Dismissed {
		http.Error(w, "update flow already dismissed", http.StatusConflict)
		return
	}
	s.controls.Dismiss()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Server] websocket upgrade failed", "error", err)
		return
	}
	c := s.hub.add(conn)
	defer s.hub.remove(c)

	if err := c.writeJSON(Event{Type: EventSnapshot, Status: s.Snapshot(), Time: time.Now()}); err != nil {
		return
	}
	slog.Debug("[Server] event client connected", "remote", r.RemoteAddr)

	// Incoming messages are ignored; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) update(typ string, fn func(*Status)) {
	s.mu.Lock()
	fn(&s.status)
	ev := Event{Type: typ, Status: s.status, Time: time.Now()}
	s.mu.Unlock()
	s.hub.Broadcast(ev)
}

// StepChanged implements workflow.Observer.
func (s *Server) StepChanged(step workflow.Step, hints workflow.Hints) {
	s.update(EventStep, func(st *Status) {
		st.Step = step.Kind.String()
		st.Message = step.Message
		st.ConfirmLabel = hints.ConfirmLabel
		st.ConfirmEnabled = hints.ConfirmEnabled
		st.CancelEnabled = hints.CancelEnabled
	})
}

// StatusTextChanged implements workflow.Observer.
func (s *Server) StatusTextChanged(text string) {
	s.update(EventStatus, func(st *Status) { st.StatusText = text })
}

// ProgressChanged implements workflow.Observer.
func (s *Server) ProgressChanged(fraction float64) {
	s.update(EventProgress, func(st *Status) { st.Progress = fraction })
}

// Dismissed implements workflow.Observer.
func (s *Server) Dismissed() {
	s.update(EventDismissed, func(st *Status) {
		st.Dismissed = true
		st.ConfirmEnabled = false
		st.CancelEnabled = false
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("[Server] encode response", "error", err)
	}
}
