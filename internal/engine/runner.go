// Package engine runs each task's agent in its own goroutine and turns the
// agent's progress into registry steps.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/agentrun/internal/agent"
	"github.com/basket/agentrun/internal/bus"
	"github.com/basket/agentrun/internal/gate"
	"github.com/basket/agentrun/internal/otel"
	"github.com/basket/agentrun/internal/shared"
	"github.com/basket/agentrun/internal/tasks"
)

var (
	// ErrUnsupportedKind is returned by Submit for a kind the builder cannot build.
	ErrUnsupportedKind = errors.New("unsupported task kind")
	// ErrNotStarted is returned by Submit before Start or after Drain.
	ErrNotStarted = errors.New("runner not started")
)

// Builder creates the agent for a task kind.
type Builder interface {
	Supports(kind string) bool
	Build(ctx context.Context, taskID, kind string, base agent.Config) (*agent.Agent, error)
}

// Config configures a Runner.
type Config struct {
	Registry *tasks.Registry
	Gate     *gate.Gate
	Builder  Builder
	Logger   *slog.Logger

	DefaultKind        string
	MaxSteps           int
	DuplicateThreshold int
	// GatedTools need a human confirmation before each call.
	GatedTools []string

	Tracer  trace.Tracer
	Metrics *otel.Metrics
}

// Status is a point-in-time view of the runner.
type Status struct {
	ActiveTasks int32  `json:"active_tasks"`
	LastError   string `json:"last_error,omitempty"`
}

// Runner owns the task goroutines. Tasks run on the context given to Start,
// never on a request context, so a client going away does not stop its task.
type Runner struct {
	cfg    Config
	logger *slog.Logger
	gated  map[string]bool

	mu     sync.Mutex
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	activeTasks atomic.Int32
	lastError   atomic.Pointer[string]
}

// NewRunner creates a Runner. Call Start before Submit.
func NewRunner(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultKind == "" {
		cfg.DefaultKind = tasks.DefaultKind
	}
	if cfg.Tracer == nil || cfg.Metrics == nil {
		p, m := otel.Noop()
		if cfg.Tracer == nil {
			cfg.Tracer = p.Tracer
		}
		if cfg.Metrics == nil {
			cfg.Metrics = m
		}
	}
	gated := make(map[string]bool, len(cfg.GatedTools))
	for _, name := range cfg.GatedTools {
		gated[name] = true
	}
	return &Runner{
		cfg:    cfg,
		logger: logger.With("component", "engine"),
		gated:  gated,
	}
}

// Start sets the context every task runs under.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.base != nil {
		return
	}
	r.base, r.cancel = context.WithCancel(ctx)
}

// Submit creates a task and starts its agent in the background.
func (r *Runner) Submit(prompt, kind string) (tasks.Task, error) {
	if kind == "" {
		kind = r.cfg.DefaultKind
	}
	if !r.cfg.Builder.Supports(kind) {
		return tasks.Task{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.base == nil || r.base.Err() != nil {
		return tasks.Task{}, ErrNotStarted
	}
	task := r.cfg.Registry.Create(prompt, kind)
	r.cfg.Metrics.TasksCreated.Add(r.base, 1, metric.WithAttributes(otel.AttrTaskKind.String(kind)))

	r.wg.Add(1)
	go r.run(r.base, task)
	return task, nil
}

// Wait blocks until every submitted task has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Drain waits up to timeout for running tasks, then cancels the rest. Tasks
// cancelled this way fail with the context error.
func (r *Runner) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("runner drained cleanly")
	case <-time.After(timeout):
		r.logger.Warn("runner drain timeout; cancelling running tasks", "timeout", timeout, "active", r.activeTasks.Load())
	}

	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	<-done
}

// Status reports active tasks and the last task failure.
func (r *Runner) Status() Status {
	st := Status{ActiveTasks: r.activeTasks.Load()}
	if ptr := r.lastError.Load(); ptr != nil {
		st.LastError = *ptr
	}
	return st
}

func (r *Runner) run(ctx context.Context, task tasks.Task) {
	defer r.wg.Done()
	r.activeTasks.Add(1)
	defer r.activeTasks.Add(-1)

	ctx, _ = shared.WithRun(ctx, task.ID)
	ctx, span := otel.StartSpan(ctx, r.cfg.Tracer, "task.run",
		otel.AttrTaskID.String(task.ID),
		otel.AttrTaskKind.String(task.Kind),
	)
	defer span.End()

	start := time.Now()
	r.cfg.Metrics.ActiveTasks.Add(ctx, 1)
	outcome := "failed"
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("task panicked", "task_id", task.ID, "panic", rec, "stack", string(debug.Stack()))
			r.fail(ctx, span, task.ID, fmt.Errorf("panic: %v", rec))
		}
		attrs := metric.WithAttributes(otel.AttrTaskKind.String(task.Kind), otel.AttrOutcome.String(outcome))
		r.cfg.Metrics.ActiveTasks.Add(ctx, -1)
		r.cfg.Metrics.TasksFinished.Add(ctx, 1, attrs)
		r.cfg.Metrics.TaskDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}()

	r.logger.Info("task started", "task_id", task.ID, "kind", task.Kind, "trace_id", shared.TraceID(ctx))
	if err := r.cfg.Registry.SetRunning(task.ID); err != nil {
		r.logger.Error("cannot start task", "task_id", task.ID, "error", err)
		return
	}

	progress := &progress{}
	hooks := &taskHooks{runner: r, taskID: task.ID, progress: progress}
	a, err := r.cfg.Builder.Build(ctx, task.ID, task.Kind, agent.Config{
		MaxSteps:           r.cfg.MaxSteps,
		DuplicateThreshold: r.cfg.DuplicateThreshold,
		Logger:             r.taskLogger(task.ID, progress),
		Hooks:              hooks,
	})
	if err != nil {
		r.fail(ctx, span, task.ID, fmt.Errorf("build agent: %w", err))
		return
	}

	result, err := a.Run(ctx, task.Prompt)
	if err != nil {
		r.fail(ctx, span, task.ID, err)
		return
	}
	if _, err := r.cfg.Registry.AppendStep(task.ID, 1, result, bus.KindResult); err != nil {
		r.fail(ctx, span, task.ID, fmt.Errorf("record result: %w", err))
		return
	}
	r.cfg.Metrics.StepsTotal.Add(ctx, 1, metric.WithAttributes(otel.AttrStepKind.String(string(bus.KindResult))))
	if err := r.cfg.Registry.Complete(task.ID); err != nil {
		r.logger.Error("cannot complete task", "task_id", task.ID, "error", err)
		return
	}
	outcome = "completed"
	r.logger.Info("task completed", "task_id", task.ID, "duration", time.Since(start))
}

func (r *Runner) fail(ctx context.Context, span trace.Span, taskID string, err error) {
	msg := err.Error()
	r.lastError.Store(&msg)
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	if ferr := r.cfg.Registry.Fail(taskID, msg); ferr != nil {
		if !errors.Is(ferr, tasks.ErrTerminal) {
			r.logger.Error("cannot fail task", "task_id", taskID, "error", ferr)
		}
		return
	}
	r.logger.Warn("task failed", "task_id", taskID, "error", msg, "trace_id", shared.TraceID(ctx))
}

// appendStep records a step produced by the agent and counts it.
func (r *Runner) appendStep(ctx context.Context, taskID string, index int, text string, kind bus.EventKind) {
	if _, err := r.cfg.Registry.AppendStep(taskID, index, text, kind); err != nil {
		if !errors.Is(err, tasks.ErrTerminal) {
			r.logger.Warn("cannot append step", "task_id", taskID, "step", index, "error", err)
		}
		return
	}
	r.cfg.Metrics.StepsTotal.Add(ctx, 1, metric.WithAttributes(otel.AttrStepKind.String(string(kind))))
}
