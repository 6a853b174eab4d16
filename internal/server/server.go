// Package server provides the status HTTP API for the rule runner.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/ids-rule-runner/internal/types"
	"github.com/invisible-tech/ids-rule-runner/internal/version"
)

const (
	defaultRuleLimit = 50
	maxRuleLimit     = 100
)

// Status is the pipeline state exposed over HTTP.
type Status interface {
	Stats() types.StatsSnapshot
	RecentRules(limit int) []*types.GeneratedRule
}

// Server is the HTTP server for the status API.
type Server struct {
	addr       string
	status     Status
	log        *logrus.Logger
	router     *chi.Mux
	httpServer *http.Server
}

// New creates a status server listening on addr.
func New(addr string, status Status, log *logrus.Logger) *Server {
	s := &Server{addr: addr, status: status, log: log, router: chi.NewRouter()}
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.routes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/rules", s.handleRules)
	})
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe starts the HTTP server. It blocks until the server is closed.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.addr).Info("Status API listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.status.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"version":        version.Version,
		"uptime_seconds": snap.UptimeSeconds,
		"in_flight":      snap.InFlight,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Stats())
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	limit := defaultRuleLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if limit > maxRuleLimit {
		limit = maxRuleLimit
	}
	writeJSON(w, http.StatusOK, s.status.RecentRules(limit))
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
