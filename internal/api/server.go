// Package api assembles the HTTP surface: the websocket endpoint,
// health, metrics, and a small read-only REST status API.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/technosupport/ts-rover/internal/journal"
	"github.com/technosupport/ts-rover/internal/robot"
	"github.com/technosupport/ts-rover/internal/session"
)

// StatusSource supplies the live snapshot. Satisfied by
// robot.Controller.
type StatusSource interface {
	Snapshot() robot.Status
}

// Health reports degraded operation. Satisfied by watchdog.Monitor.
type Health interface {
	Degraded() bool
	Reasons() []string
}

type Server struct {
	hub     *session.Hub
	status  StatusSource
	health  Health
	journal *journal.Journal // nil when Redis is not configured
	name    string
}

func NewServer(name string, hub *session.Hub, status StatusSource, health Health, j *journal.Journal) *Server {
	return &Server{hub: hub, status: status, health: health, journal: j, name: name}
}

// Router builds the chi mux.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.hub.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(10 * time.Second))
		r.Get("/status", s.handleStatus)
		r.Get("/events", s.handleEvents)
	})
	return r
}

// handleHealthz answers 200 even while degraded: a hot rover is still a
// serving rover, the body says what hurts.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "robot": s.name}
	if s.health != nil && s.health.Degraded() {
		body["status"] = "degraded"
		body["reasons"] = s.health.Reasons()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"robot":   s.name,
		"status":  s.status.Snapshot(),
		"clients": s.hub.Count(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "journal disabled"})
		return
	}
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	events, err := s.journal.RecentEvents(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("api: write response: %v", err)
	}
}

// Serve runs the HTTP server until ctx is cancelled, then drains.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("api: listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
