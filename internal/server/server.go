// Package server exposes the tracker's HTTP and websocket interface: worker
// setup and registration, the work-distribution socket, the debug surface and
// Prometheus metrics.
package server

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/battlewatch/tracker/internal/metrics"
	"github.com/battlewatch/tracker/internal/schedule"
	"github.com/battlewatch/tracker/internal/tracker"
)

// Server wires HTTP handlers to the coordinator.
type Server struct {
	router   chi.Router
	coord    *schedule.Coordinator
	policy   *schedule.ClientPolicy
	results  tracker.ResultQueue
	refill   time.Duration
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. refill is how
// often each connected worker's assignment is topped up.
func NewServer(
	coord *schedule.Coordinator,
	policy *schedule.ClientPolicy,
	results tracker.ResultQueue,
	refill time.Duration,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		coord:   coord,
		policy:  policy,
		results: results,
		refill:  refill,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))

	r.Get("/", s.root)
	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Get("/setup", s.getSetup)
	r.Post("/setup", s.postSetup)
	r.Get("/debug/{key}", s.debug)
	r.Get("/wswork", s.wsWork)

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"service": "tracker"})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if _, err := s.coord.Stats(); err != nil {
		writeError(w, http.StatusServiceUnavailable, "coordinator is stopped")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// getSetup resolves the caller's worker configuration: its application key,
// its throttle and a stable worker id derived from its address.
func (s *Server) getSetup(w http.ResponseWriter, r *http.Request) {
	addr := clientAddr(r)
	key, throttle := s.policy.Resolve(addr)
	writeJSON(w, http.StatusOK, map[string]any{
		"application_id": key,
		"throttle":       throttle,
		"worker_id":      uuid.NewSHA1(uuid.NameSpaceDNS, []byte(addr)).String(),
	})
}

// postSetup preregisters the caller's address so a later /wswork connection
// is accepted.
func (s *Server) postSetup(w http.ResponseWriter, r *http.Request) {
	addr := clientAddr(r)
	switch err := s.coord.Preregister(addr); {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "registered", "address": addr})
	case errors.Is(err, schedule.ErrDenied), errors.Is(err, schedule.ErrNotAllowed):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, schedule.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) debug(w http.ResponseWriter, r *http.Request) {
	catchall := s.policy.Entries[schedule.CatchAllEntry]
	if chi.URLParam(r, "key") != catchall.Key {
		writeError(w, http.StatusForbidden, "unauthorized")
		return
	}
	st, err := s.coord.Stats()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "coordinator is stopped")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"registered":     st.Registered,
		"connected":      st.Connected,
		"assigned":       st.AssignedCount,
		"stale":          st.StaleCount,
		"completed":      st.CompletedCount,
		"total_batches":  st.TotalBatches,
		"done":           st.Done,
		"results_queued": s.results.Depth(),
	})
}

// clientAddr is the worker identity: the connection's remote host with the
// port stripped.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
