// Package statusserver exposes a read-only HTTP view of a running crawl:
// liveness, scheduler queue depth and the collections in the store.
package statusserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/masahif/itemtadoru/internal/logging"
	"github.com/masahif/itemtadoru/internal/scheduler"
)

// QueueSource reports scheduler state
type QueueSource interface {
	Stats() scheduler.Stats
}

// Counter reports a size, such as the media in-flight set
type Counter interface {
	Len() int
}

// SourceLister lists the item collections in the store
type SourceLister interface {
	Sources() []string
}

// Deps are the collaborators the handlers read from
type Deps struct {
	Queue     QueueSource
	Media     Counter      // optional
	Store     SourceLister // optional
	StartTime time.Time
	Logger    *slog.Logger
}

// QueueStatus is the body of GET /queue
type QueueStatus struct {
	scheduler.Stats
	MediaInFlight int `json:"media_in_flight"`
}

// Server wraps the HTTP server and its router
type Server struct {
	http   *http.Server
	logger *slog.Logger
}

// New builds the router and the HTTP server listening on addr
func New(addr string, d Deps) *Server {
	logger := logging.Component(d.Logger, "status")
	if d.StartTime.IsZero() {
		d.StartTime = time.Now()
	}

	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           Router(d, logger),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		logger: logger,
	}
}

// Router returns the chi router serving the status endpoints
func Router(d Deps, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.GetHead)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Second))
	r.Use(accessLog(logger))

	r.Get("/healthz", healthz(d))
	r.Get("/queue", queue(d))
	r.Get("/sources", sources(d))
	return r
}

// Start serves on l until Stop. It returns nil after a graceful shutdown.
func (s *Server) Start(l net.Listener) error {
	s.logger.Info("Status server listening", "addr", l.Addr().String())
	err := s.http.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndStart listens on the configured address and serves
func (s *Server) ListenAndStart() error {
	l, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Start(l)
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Status server shutting down")
	return s.http.Shutdown(ctx)
}

func healthz(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"uptime": time.Since(d.StartTime).Round(time.Second).String(),
		})
	}
}

func queue(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Queue == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scheduler not running"})
			return
		}
		status := QueueStatus{Stats: d.Queue.Stats()}
		if d.Media != nil {
			status.MediaInFlight = d.Media.Len()
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func sources(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store not open"})
			return
		}
		names := d.Store.Sources()
		writeJSON(w, http.StatusOK, map[string]any{"sources": names, "count": len(names)})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
