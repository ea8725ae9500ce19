// Package server exposes the keeper's status surface over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"allocation-keeper/internal/keeper"
	"allocation-keeper/internal/stats"
)

// Status is the read-only view of the keeper the server reports on.
type Status interface {
	State() keeper.State
	Stats() *stats.Stats
}

// Config holds server configuration
type Config struct {
	Addr    string
	Status  Status
	Metrics http.Handler
	Log     zerolog.Logger
	Now     func() time.Time
}

// Server serves /health, /stats and /metrics.
type Server struct {
	router *chi.Mux
	server *http.Server
	status Status
	log    zerolog.Logger
	now    func() time.Time
}

// New creates a status server. It does not start listening.
func New(cfg Config) *Server {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Server{
		router: chi.NewRouter(),
		status: cfg.Status,
		log:    cfg.Log.With().Str("component", "server").Logger(),
		now:    cfg.Now,
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/stats", s.handleStats)
	if cfg.Metrics != nil {
		s.router.Handle("/metrics", cfg.Metrics)
	}

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens until Shutdown is called. It never returns http.ErrServerClosed.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting status server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status string `json:"status"`
	State  string `json:"state"`
}

// handleHealth reports 200 only while the keeper loop is running.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := s.status.State()
	resp := healthResponse{Status: "ok", State: state.String()}
	code := http.StatusOK
	if state != keeper.StateRunning {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

type statsResponse struct {
	stats.Snapshot
	State         string  `json:"state"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	snap := s.status.Stats().Snapshot()
	s.writeJSON(w, http.StatusOK, statsResponse{
		Snapshot:      snap,
		State:         s.status.State().String(),
		UptimeSeconds: snap.Uptime(s.now()).Seconds(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
