// Package gateway exposes the task lifecycle over HTTP: JSON endpoints for
// creating, listing and confirming tasks, and SSE and WebSocket streams of
// each task's progress events.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/basket/agentrun/internal/config"
	"github.com/basket/agentrun/internal/engine"
	"github.com/basket/agentrun/internal/gate"
	"github.com/basket/agentrun/internal/otel"
	"github.com/basket/agentrun/internal/tasks"
	"go.opentelemetry.io/otel/trace"
)

// DefaultHeartbeat is the idle interval after which streams send a comment.
const DefaultHeartbeat = 15 * time.Second

// Config wires the gateway to the task registry, runner and gate. Logger,
// Tracer and Metrics fall back to slog.Default and no-op providers.
type Config struct {
	Registry *tasks.Registry
	Runner   *engine.Runner
	Gate     *gate.Gate
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *otel.Metrics

	Heartbeat    time.Duration
	MaxBodyBytes int64
	CORS         config.CORSConfig
	RateLimit    config.RateLimitConfig
}

// Server serves the task REST API plus the SSE and WebSocket event streams.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics
	limiter *RateLimiter
	schemas *schemas
}

// New builds a Server from cfg. It fails only if the request schemas do not
// compile.
func New(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	tracer, metrics := cfg.Tracer, cfg.Metrics
	if tracer == nil || metrics == nil {
		p, m := otel.Noop()
		if tracer == nil {
			tracer = p.Tracer
		}
		if metrics == nil {
			metrics = m
		}
	}
	sc, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "gateway"),
		tracer:  tracer,
		metrics: metrics,
		limiter: NewRateLimiter(cfg.RateLimit, metrics.RateLimitRejects),
		schemas: sc,
	}, nil
}

// Limiter exposes the rate limiter so the caller can start its eviction loop.
// It is nil when rate limiting is disabled.
func (s *Server) Limiter() *RateLimiter {
	return s.limiter
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /tasks", s.handleCreateTask)
	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("POST /tasks/{id}/step/{step}/run", s.handleConfirmStep)
	mux.HandleFunc("GET /tasks/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /tasks/{id}/ws", s.handleWS)

	var h http.Handler = mux
	h = s.limiter.Wrap(h)
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	h = s.instrument(h)
	h = RecoverMiddleware(s.logger)(h)
	return h
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	live, history := s.cfg.Registry.Counts()
	payload := map[string]any{
		"healthy":       true,
		"live_tasks":    live,
		"history_tasks": history,
	}
	if s.cfg.Runner != nil {
		st := s.cfg.Runner.Status()
		payload["active_tasks"] = st.ActiveTasks
		if st.LastError != "" {
			payload["last_error"] = st.LastError
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

type createTaskRequest struct {
	Prompt string `json:"prompt"`
	Kind   string `json:"kind"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeBody(r, s.schemas.createTask, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.cfg.Runner.Submit(req.Prompt, req.Kind)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	s.logger.Info("task created", "task_id", task.ID, "kind", task.Kind)
	writeJSON(w, http.StatusOK, map[string]string{"task_id": task.ID})
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Registry.ListLive())
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Registry.Get(r.PathValue("id"))
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Registry.ListHistory())
}

type confirmRequest struct {
	Confirmed bool `json:"confirmed"`
}

func (s *Server) handleConfirmStep(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	step, err := strconv.Atoi(r.PathValue("step"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "step must be an integer")
		return
	}
	var req confirmRequest
	if err := decodeBody(r, s.schemas.confirm, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Confirmed {
		writeError(w, http.StatusBadRequest, "Confirmation required")
		return
	}
	if err := s.cfg.Gate.Confirm(taskID, step); err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Step %d of task %s confirmed and resumed", step, taskID),
	})
}

// writeTaskError maps domain errors onto status codes. Unknown errors are
// logged and reported without detail.
func (s *Server) writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tasks.ErrNotFound), errors.Is(err, tasks.ErrTerminal):
		writeError(w, http.StatusNotFound, "Task not found")
	case errors.Is(err, tasks.ErrStepNotFound):
		writeError(w, http.StatusNotFound, "Step not found")
	case errors.Is(err, gate.ErrConfirmationNotRequired):
		writeError(w, http.StatusBadRequest, "Step does not require confirmation")
	case errors.Is(err, engine.ErrUnsupportedKind):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, "runner is shutting down")
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
