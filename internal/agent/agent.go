// Package agent implements the bounded think/act loop that drives a task.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

const (
	DefaultMaxSteps           = 30
	DefaultDuplicateThreshold = 2

	// StuckPrompt is prepended to the next-step prompt when the agent repeats itself.
	StuckPrompt = "Observed duplicate responses. Consider new strategies and avoid repeating ineffective paths already attempted."
)

// Executor performs one think/act iteration. Implementations call
// Session.Finish when the task is done.
type Executor interface {
	Step(ctx context.Context, s *Session) (string, error)
}

// Cleaner releases resources held for a run, such as sandbox containers.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// Hooks receives structured progress from an executor. OnTool may block,
// for example until a human confirms the call.
type Hooks interface {
	OnThink(ctx context.Context, step int, thought string)
	OnTool(ctx context.Context, step int, tool, input string) error
	OnAction(ctx context.Context, step int, action string)
	OnRun(ctx context.Context, step int, result string)
}

// Config configures an Agent.
type Config struct {
	Name               string
	SystemPrompt       string
	NextStepPrompt     string
	MaxSteps           int
	DuplicateThreshold int
	MemoryLimit        int
	Logger             *slog.Logger
	Hooks              Hooks
	Cleaner            Cleaner
}

// Agent runs an Executor in a loop of at most MaxSteps iterations.
type Agent struct {
	cfg    Config
	exec   Executor
	memory *Memory
	logger *slog.Logger
	hooks  Hooks

	mu             sync.RWMutex
	state          State
	currentStep    int
	nextStepPrompt string
}

// New creates an idle agent.
func New(cfg Config, exec Executor) *Agent {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.DuplicateThreshold <= 0 {
		cfg.DuplicateThreshold = DefaultDuplicateThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hooks := cfg.Hooks
	if hooks == nil {
		hooks = NopHooks{}
	}
	return &Agent{
		cfg:            cfg,
		exec:           exec,
		memory:         NewMemory(cfg.MemoryLimit),
		logger:         logger,
		hooks:          hooks,
		state:          StateIdle,
		nextStepPrompt: cfg.NextStepPrompt,
	}
}

// State returns the current state.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// CurrentStep returns the loop counter; 0 when not running.
func (a *Agent) CurrentStep() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.currentStep
}

// Memory exposes the conversation.
func (a *Agent) Memory() *Memory { return a.memory }

// NextStepPrompt returns the current next-step instruction.
func (a *Agent) NextStepPrompt() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nextStepPrompt
}

// withState enters state s for the duration of fn. An error from fn forces
// StateError. On return the previous state is restored unless the machine
// ended in a terminal state.
func (a *Agent) withState(s State, fn func() error) (err error) {
	prev := a.State()
	a.setState(s)
	defer func() {
		if r := recover(); r != nil {
			a.setState(StateError)
			panic(r)
		}
		if !a.State().Terminal() {
			a.setState(prev)
		}
	}()

	if err = fn(); err != nil {
		a.setState(StateError)
	}
	return err
}

// Run drives the loop for input and returns one line per executed step.
func (a *Agent) Run(ctx context.Context, input string) (string, error) {
	if st := a.State(); st != StateIdle {
		return "", &InvalidStateError{Op: "run", State: st}
	}
	if input != "" {
		a.memory.Add(Message{Role: RoleUser, Content: input})
	}
	defer a.cleanup(ctx)

	sess := &Session{agent: a}
	var results []string
	err := a.withState(StateRunning, func() error {
		for a.CurrentStep() < a.cfg.MaxSteps && a.State() != StateFinished {
			if err := ctx.Err(); err != nil {
				return err
			}
			a.mu.Lock()
			a.currentStep++
			step := a.currentStep
			a.mu.Unlock()

			a.logger.Info(fmt.Sprintf("Executing step %d/%d", step, a.cfg.MaxSteps))
			out, err := a.exec.Step(ctx, sess)
			if err != nil {
				return &ExecutionError{Step: step, Err: err}
			}
			if a.isStuck() {
				a.handleStuck()
			}
			results = append(results, fmt.Sprintf("Step %d: %s", step, out))
			a.hooks.OnRun(ctx, step, out)
		}

		if a.State() != StateFinished {
			a.mu.Lock()
			a.currentStep = 0
			a.mu.Unlock()
			a.setState(StateIdle)
			results = append(results, fmt.Sprintf("Terminated: Reached max steps (%d)", a.cfg.MaxSteps))
		}
		return nil
	})
	return strings.Join(results, "\n"), err
}

func (a *Agent) cleanup(ctx context.Context) {
	if a.cfg.Cleaner == nil {
		return
	}
	if err := a.cfg.Cleaner.Cleanup(context.WithoutCancel(ctx)); err != nil {
		a.logger.Warn("agent cleanup failed", "agent", a.cfg.Name, "error", err)
	}
}

// isStuck reports whether the last message repeats earlier assistant output
// at least DuplicateThreshold times.
func (a *Agent) isStuck() bool {
	msgs := a.memory.Messages()
	if len(msgs) < 2 {
		return false
	}
	last := msgs[len(msgs)-1]
	if last.Content == "" {
		return false
	}
	dup := 0
	for i := len(msgs) - 2; i >= 0; i-- {
		if msgs[i].Role == RoleAssistant && msgs[i].Content == last.Content {
			dup++
		}
	}
	return dup >= a.cfg.DuplicateThreshold
}

func (a *Agent) handleStuck() {
	a.mu.Lock()
	a.nextStepPrompt = StuckPrompt + "\n" + a.nextStepPrompt
	a.mu.Unlock()
	a.logger.Warn("Agent detected stuck state. Added prompt: " + StuckPrompt)
}

// Session is the executor's view of a running agent.
type Session struct {
	agent *Agent
}

// Memory returns the conversation.
func (s *Session) Memory() *Memory { return s.agent.memory }

// Logger returns the agent logger.
func (s *Session) Logger() *slog.Logger { return s.agent.logger }

// Hooks returns the progress hooks.
func (s *Session) Hooks() Hooks { return s.agent.hooks }

// Name returns the agent name.
func (s *Session) Name() string { return s.agent.cfg.Name }

// SystemPrompt returns the configured system prompt.
func (s *Session) SystemPrompt() string { return s.agent.cfg.SystemPrompt }

// NextStepPrompt returns the current next-step instruction.
func (s *Session) NextStepPrompt() string { return s.agent.NextStepPrompt() }

// CurrentStep returns the running loop step.
func (s *Session) CurrentStep() int { return s.agent.CurrentStep() }

// MaxSteps returns the loop budget.
func (s *Session) MaxSteps() int { return s.agent.cfg.MaxSteps }

// Finish ends the loop after the current step.
func (s *Session) Finish() { s.agent.setState(StateFinished) }

// NopHooks ignores all notifications.
type NopHooks struct{}

func (NopHooks) OnThink(context.Context, int, string) {}
func (NopHooks) OnTool(context.Context, int, string, string) error { return nil }
func (NopHooks) OnAction(context.Context, int, string) {}
func (NopHooks) OnRun(context.Context, int, string) {}
