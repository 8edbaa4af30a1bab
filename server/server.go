// Package server provides the HTTP trigger surface: start, watch, and cancel
// syncs, kick background jobs, and expose health and metrics.
//
// Authentication is not handled here. The deployment fronts this server with
// an auth proxy that injects the X-User-ID header; requests without it are
// rejected.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Bensmirus/bentube/storage"
	"github.com/Bensmirus/bentube/sync"
)

const userIDHeader = "X-User-ID"

// SyncService is the engine surface the server drives.
type SyncService interface {
	StartSync(ctx context.Context, userID string, opts sync.StartOptions) (*storage.SyncRun, error)
	Progress(ctx context.Context, userID string) (*storage.SyncRun, error)
	Cancel(ctx context.Context, userID string) error
}

// JobRunner is the scheduler surface for manually triggered jobs.
type JobRunner interface {
	RunTier(ctx context.Context, tier string) (int, error)
	Janitor(ctx context.Context) error
}

// Server is the HTTP server.
type Server struct {
	engine  SyncService
	jobs    JobRunner
	metrics http.Handler
	router  chi.Router
	log     zerolog.Logger
}

// New wires the router. Pass nil metrics to serve the default Prometheus
// registry on /metrics.
func New(engine SyncService, jobs JobRunner, metrics http.Handler, log zerolog.Logger) *Server {
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	s := &Server{
		engine:  engine,
		jobs:    jobs,
		metrics: metrics,
		log:     log.With().Str("component", "server").Logger(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Route("/sync", func(r chi.Router) {
			r.Use(s.requireUser)
			r.Post("/", s.handleStartSync)
			r.Get("/progress", s.handleProgress)
			r.Post("/cancel", s.handleCancel)
		})
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/tier/{tier}", s.handleRunTier)
			r.Post("/janitor", s.handleJanitor)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger emits one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

type userIDKey struct{}

// requireUser rejects requests that arrive without the proxy-injected
// identity header.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(userIDHeader)
		if userID == "" {
			s.writeError(w, http.StatusBadRequest, "missing_user", "missing "+userIDHeader+" header")
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey{}).(string)
	return id
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("response encode failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorResponse{Code: code, Message: message})
}

// writeEngineError maps engine sentinels onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sync.ErrSyncInProgress):
		s.writeError(w, http.StatusConflict, "sync_in_progress", err.Error())
	case errors.Is(err, sync.ErrInsufficientQuota):
		s.writeError(w, http.StatusTooManyRequests, "insufficient_quota", err.Error())
	case errors.Is(err, sync.ErrNoActiveSync), errors.Is(err, storage.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		s.log.Error().Err(err).Msg("request failed")
		s.writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

type startSyncRequest struct {
	ChannelID string `json:"channel_id,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
}

// handleStartSync runs a sync to completion and returns the terminal run.
// Syncs are long; callers that want progress poll GET /api/sync/progress
// from another connection.
func (s *Server) handleStartSync(w http.ResponseWriter, r *http.Request) {
	var req startSyncRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}
	}

	run, err := s.engine.StartSync(r.Context(), userID(r), sync.StartOptions{ChannelID: req.ChannelID, GroupID: req.GroupID})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.Progress(r.Context(), userID(r))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Cancel(r.Context(), userID(r)); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleRunTier(w http.ResponseWriter, r *http.Request) {
	tier := chi.URLParam(r, "tier")
	synced, err := s.jobs.RunTier(r.Context(), tier)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tier": tier, "synced": synced})
}

func (s *Server) handleJanitor(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.Janitor(r.Context()); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
