// Package api exposes the operator surface over HTTP: candidate state,
// gate and governor reports, the decision log stream, and the
// promotion/acknowledgment actions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"shadowgate/app"
	"shadowgate/domain/core"
	"shadowgate/ports"
)

// Config holds the HTTP server settings.
type Config struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig listens on :8080 with conservative timeouts.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server is the operator HTTP API.
type Server struct {
	cfg      Config
	router   chi.Router
	runner   *app.ShadowRunner
	rollout  *app.RolloutService
	registry *prometheus.Registry
	log      zerolog.Logger
	srv      *http.Server
}

// NewServer wires the routes.
func NewServer(cfg Config, runner *app.ShadowRunner, rollout *app.RolloutService, registry *prometheus.Registry, log zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		router:   chi.NewRouter(),
		runner:   runner,
		rollout:  rollout,
		registry: registry,
		log:      log.With().Str("component", "api").Logger(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/gate", s.handleGate)
		r.Get("/gate/report", s.handleGateReport)
		r.Get("/governor", s.handleGovernor)
		r.Post("/governor/ack", s.handleAcknowledge)
		r.Post("/governor/unmute", s.handleUnmute)
		r.Post("/promote", s.handlePromote)
		r.Get("/log", s.handleLog)
		r.Post("/cycles/{date}/{session}/run", s.handleRunCycle)
		r.Post("/cycles/{date}/{session}/outcome", s.handleOutcome)
	})
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until the context is cancelled, then drains.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr).Msg("operator API listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"state":   s.rollout.CandidateState(),
		"history": s.rollout.StateHistory(),
		"mutes":   s.rollout.MuteHistory(),
	})
}

func (s *Server) handleGate(w http.ResponseWriter, r *http.Request) {
	report, err := s.rollout.GateReport(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleGateReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.rollout.GateReport(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(RenderGateHTML(report, s.rollout.CandidateState()))
}

func (s *Server) handleGovernor(w http.ResponseWriter, r *http.Request) {
	assessment, mute, err := s.rollout.GovernorStatus(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"assessment":  assessment,
		"active_mute": mute,
	})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MuteID string `json:"mute_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MuteID == "" {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "mute_id required"})
		return
	}
	if err := s.rollout.Acknowledge(r.Context(), core.MuteEventID(req.MuteID)); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (s *Server) handleUnmute(w http.ResponseWriter, r *http.Request) {
	if err := s.rollout.TryUnmute(r.Context()); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"state": s.rollout.CandidateState()})
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Operator string `json:"operator"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Operator == "" {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "operator required"})
		return
	}
	if err := s.rollout.Approve(r.Context(), req.Operator); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"state": s.rollout.CandidateState()})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	var cursor ports.Cursor
	if since := r.URL.Query().Get("since"); since != "" {
		n, err := strconv.ParseInt(since, 10, 64)
		if err != nil || n < 0 {
			s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be a non-negative integer"})
			return
		}
		cursor = ports.Cursor(n)
	}
	entries, next, err := s.rollout.ReadLog(r.Context(), cursor)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"cursor":  next,
	})
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	key, ok := s.cycleKey(w, r)
	if !ok {
		return
	}
	entry, err := s.runner.RunCycle(r.Context(), key)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, entry)
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	key, ok := s.cycleKey(w, r)
	if !ok {
		return
	}
	var req struct {
		Actual *bool `json:"actual"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Actual == nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": "actual required"})
		return
	}
	outcome, err := s.runner.RecordOutcome(r.Context(), key, *req.Actual)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, outcome)
}

func (s *Server) cycleKey(w http.ResponseWriter, r *http.Request) (core.CycleKey, bool) {
	raw := fmt.Sprintf("%s/%s", chi.URLParam(r, "date"), chi.URLParam(r, "session"))
	key, err := core.ParseCycleKey(raw)
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return core.CycleKey{}, false
	}
	return key, true
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error().Err(err).Msg("failed to encode response")
	}
}

// respondError maps domain errors onto HTTP statuses.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case core.IsInvalidInput(err):
		status = http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		status = http.StatusNotFound
	case core.IsDuplicateCycle(err):
		status = http.StatusConflict
	case core.IsInvalidTransition(err):
		status = http.StatusConflict
	case core.IsGuardrailRejection(err):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	s.respondJSON(w, status, map[string]string{"error": err.Error()})
}
