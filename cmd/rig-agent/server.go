package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/powerhive/rig-agent/internal/flightsheet"
	"github.com/powerhive/rig-agent/internal/journal"
	"github.com/powerhive/rig-agent/internal/supervisor"
	"github.com/powerhive/rig-agent/internal/telemetry"
)

// Server is the agent's local HTTP surface: read-only telemetry and
// lifecycle controls for operators and local tooling.
type Server struct {
	logger    *zap.Logger
	sup       *supervisor.Supervisor
	collector *telemetry.Collector
	journal   *journal.Journal

	// reconcileNow triggers an immediate fetch-and-apply pass; nil when the
	// agent runs without a control plane.
	reconcileNow func(ctx context.Context) (flightsheet.Result, error)
}

// NewServer wires the HTTP surface over the agent's components.
func NewServer(
	logger *zap.Logger,
	sup *supervisor.Supervisor,
	collector *telemetry.Collector,
	jrnl *journal.Journal,
	reconcileNow func(ctx context.Context) (flightsheet.Result, error),
) *Server {
	return &Server{
		logger:       logger,
		sup:          sup,
		collector:    collector,
		journal:      jrnl,
		reconcileNow: reconcileNow,
	}
}

// Router builds the chi router for the surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/api/telemetry", s.handleTelemetry)
	r.Get("/api/events", s.handleEvents)
	r.Get("/miner/status", s.handleStatus)
	r.Post("/miner/start", s.handleStart)
	r.Post("/miner/stop", s.handleStop)
	r.Post("/miner/restart", s.handleRestart)
	r.Post("/flightsheet/update", s.handleFlightsheetUpdate)

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleTelemetry serves the latest collected snapshot, or null before the
// first cycle completes.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.collector.Latest())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	n := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}

	events, err := s.journal.Recent(r.Context(), n)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []journal.Event{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

// statusResponse is the shape served by /miner/status.
type statusResponse struct {
	Status             supervisor.State `json:"status"`
	ShouldBeMining     bool             `json:"should_be_mining"`
	PID                int              `json:"pid,omitempty"`
	NextScheduleChange time.Time        `json:"next_schedule_change,omitzero"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.sup.Status()
	s.writeJSON(w, http.StatusOK, statusResponse{
		Status:             st.State,
		ShouldBeMining:     st.DesiredState == supervisor.StateRunning,
		PID:                st.PID,
		NextScheduleChange: st.NextScheduleChange,
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Start(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.sup.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Stop(true); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.sup.Status())
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Restart(); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.sup.Status())
}

// handleFlightsheetUpdate triggers an immediate reconcile pass instead of
// waiting for the next interval tick.
func (s *Server) handleFlightsheetUpdate(w http.ResponseWriter, r *http.Request) {
	if s.reconcileNow == nil {
		s.writeJSON(w, http.StatusServiceUnavailable,
			map[string]string{"error": "no control plane configured"})
		return
	}

	result, err := s.reconcileNow(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"miner_software":   result.MinerSoftware,
		"written":          result.Written,
		"restart_required": result.RestartRequired,
	})
}

