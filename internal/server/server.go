// Package server exposes the settings surface: nudge policy, live state,
// analytics, pipeline status and logs as JSON over HTTP, plus a front-end
// WebSocket for microphone volume in and cue/indicator events out.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/companion/internal/analytics"
	"github.com/normanking/companion/internal/logging"
	"github.com/normanking/companion/internal/pipeline"
	"github.com/normanking/companion/internal/silence"
	"github.com/normanking/companion/internal/stats"
)

// NudgeEngine is the part of the silence engine the surface drives.
type NudgeEngine interface {
	Config() silence.Config
	PatchConfig(silence.Patch) (silence.Config, error)
	Snapshot() silence.Snapshot
	Analytics() analytics.Snapshot
	TriggerManualNudge(ctx context.Context) error
	ResetSession()
}

// Pipeline is the read/replay view of the synchronization pipeline.
type Pipeline interface {
	Snapshot() pipeline.Snapshot
	ReplayLast() bool
}

// StatsSource provides packet statistics.
type StatsSource interface {
	Snapshot() stats.Snapshot
}

// LogSource provides recent log entries.
type LogSource interface {
	History(limit int) []logging.Entry
}

// Deps are the components served. Metrics, Volume and Events may be nil.
type Deps struct {
	Engine   NudgeEngine
	Pipeline Pipeline
	Stats    StatsSource
	Logs     LogSource
	Metrics  http.Handler
	Volume   VolumeSink
	Events   Subscriber
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	Timestamp string `json:"timestamp"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Version is reported by /health.
var Version = "dev"

const defaultLogLimit = 100

// Server is the settings HTTP server.
type Server struct {
	deps       Deps
	logger     zerolog.Logger
	httpServer *http.Server
	startTime  time.Time
}

// New creates a server listening on addr.
func New(addr string, deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		deps:      deps,
		logger:    logger.With().Str("component", "server").Logger(),
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/api/silence/config", s.silenceConfigHandler)
	mux.HandleFunc("/api/silence/state", s.silenceStateHandler)
	mux.HandleFunc("/api/silence/nudge", s.nudgeHandler)
	mux.HandleFunc("/api/silence/reset", s.resetHandler)
	mux.HandleFunc("/api/silence/analytics", s.analyticsHandler)
	mux.HandleFunc("/api/pipeline", s.pipelineHandler)
	mux.HandleFunc("/api/pipeline/replay", s.replayHandler)
	mux.HandleFunc("/api/stats", s.statsHandler)
	mux.HandleFunc("/api/logs", s.logsHandler)
	mux.HandleFunc("/ws", s.wsHandler)
	if deps.Metrics != nil {
		mux.Handle("/metrics", deps.Metrics)
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("settings server starting")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) silenceConfigHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.deps.Engine.Config())
	case http.MethodPatch:
		var patch silence.Patch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		cfg, err := s.deps.Engine.PatchConfig(patch)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	default:
		w.Header().Set("Allow", "GET, PATCH")
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) silenceStateHandler(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Engine.Snapshot())
}

func (s *Server) nudgeHandler(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	err := s.deps.Engine.TriggerManualNudge(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.deps.Engine.Snapshot())
	case isPolicyRejection(err):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Warn().Err(err).Msg("manual nudge failed")
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	s.deps.Engine.ResetSession()
	writeJSON(w, http.StatusOK, s.deps.Engine.Snapshot())
}

func (s *Server) analyticsHandler(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Engine.Analytics())
}

func (s *Server) pipelineHandler(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Pipeline.Snapshot())
}

func (s *Server) replayHandler(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if !s.deps.Pipeline.ReplayLast() {
		writeError(w, http.StatusNotFound, "nothing to replay")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "replaying"})
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Stats.Snapshot())
}

func (s *Server) logsHandler(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	limit := defaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries := s.deps.Logs.History(limit)
	if entries == nil {
		entries = []logging.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func isPolicyRejection(err error) bool {
	return errors.Is(err, silence.ErrMaxNudgesReached) ||
		errors.Is(err, silence.ErrTooSoon) ||
		errors.Is(err, silence.ErrTerminated) ||
		errors.Is(err, silence.ErrInFlight)
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
