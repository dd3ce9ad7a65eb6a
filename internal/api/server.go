// Package api serves the operator console: an authenticated JSON API over
// the call history and live call state, a websocket feed of call events,
// and the Prometheus scrape endpoint.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/database"
	"github.com/voxgate/voxgate/internal/eventstore"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router   *chi.Mux
	cfg      *config.Config
	calls    database.CallRepository
	live     *eventstore.Store
	registry *prometheus.Registry
	auth     *authenticator
	logger   *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted. registry may
// be nil to disable the /metrics endpoint.
func NewServer(cfg *config.Config, calls database.CallRepository, live *eventstore.Store, registry *prometheus.Registry, logger *slog.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		cfg:      cfg,
		calls:    calls,
		live:     live,
		registry: registry,
		logger:   logger.With("subsystem", "api"),
	}
	if cfg.ConsoleEnabled() {
		s.auth = newAuthenticator(cfg, s.logger)
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/api/health", s.handleHealth)

	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	if s.auth == nil {
		s.logger.Info("console api disabled, serving health and metrics only")
		return
	}

	r.With(s.auth.loginLimit).Post("/api/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.require)

		r.Get("/api/calls", s.handleListCalls)
		r.Get("/api/calls/active", s.handleActiveCalls)
		r.Get("/api/calls/{id}", s.handleGetCall)
		r.Get("/api/events", s.handleEventsWS)
	})
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListCalls returns completed calls from the call record database,
// newest first. Supports ?direction=, ?q= (number search), ?limit=, ?offset=.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	p, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	filter := database.CallListFilter{
		Direction: r.URL.Query().Get("direction"),
		Search:    r.URL.Query().Get("q"),
		Limit:     p.Limit,
		Offset:    p.Offset,
	}

	records, total, err := s.calls.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing calls", "error", err)
		writeError(w, http.StatusInternalServerError, "listing calls failed")
		return
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  records,
		Total:  total,
		Limit:  p.Limit,
		Offset: p.Offset,
	})
}

// handleActiveCalls returns calls currently in progress, with their
// accumulated events.
func (s *Server) handleActiveCalls(w http.ResponseWriter, r *http.Request) {
	active := make([]eventstore.Call, 0)
	for _, call := range s.live.Calls() {
		if call.Active {
			active = append(active, call)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": active})
}

// handleGetCall returns a single call by its call id. Live (or recently
// ended) calls come from the in-memory event store with full event detail;
// otherwise the persistent call record is returned.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if call, ok := s.live.Call(id); ok {
		writeJSON(w, http.StatusOK, call)
		return
	}

	rec, err := s.calls.GetByCallID(r.Context(), id)
	if err != nil {
		s.logger.Error("fetching call record", "call_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "fetching call failed")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
