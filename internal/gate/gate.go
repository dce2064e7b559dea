// Package gate pauses an agent before a sensitive tool runs until a human
// confirms the step.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/agentrun/internal/bus"
	"github.com/basket/agentrun/internal/tasks"
)

// ErrConfirmationNotRequired is returned when confirming a step that is not
// waiting for confirmation, including every repeated confirmation.
var ErrConfirmationNotRequired = errors.New("step does not require confirmation")

// DefaultPollInterval is the fallback re-check period of Wait.
const DefaultPollInterval = time.Second

// StepEvent is the payload of the step confirmation topics.
type StepEvent struct {
	TaskID string
	Step   int
}

// Config configures a Gate.
type Config struct {
	Bus          *bus.Bus
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Gate implements the require/confirm/wait handshake on top of the registry.
// The flag lives on the task's step so every status snapshot shows it.
type Gate struct {
	registry *tasks.Registry
	bus      *bus.Bus
	poll     time.Duration
	logger   *slog.Logger
}

// New creates a Gate.
func New(registry *tasks.Registry, cfg Config) *Gate {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		registry: registry,
		bus:      cfg.Bus,
		poll:     poll,
		logger:   logger.With("component", "gate"),
	}
}

// RequireConfirmation flags the most recent step with stepID.
func (g *Gate) RequireConfirmation(taskID string, stepID int) error {
	err := g.registry.UpdateStep(taskID, stepID, func(_ *tasks.Task, s *tasks.Step) error {
		s.ConfirmationRequired = true
		return nil
	})
	if err != nil {
		return err
	}
	g.logger.Info("step awaiting confirmation", "task_id", taskID, "step", stepID)
	g.bus.Publish(bus.TopicStepConfirmation, StepEvent{TaskID: taskID, Step: stepID})
	return nil
}

// Confirm clears the flag on stepID and puts the task back to running.
func (g *Gate) Confirm(taskID string, stepID int) error {
	err := g.registry.UpdateStep(taskID, stepID, func(t *tasks.Task, s *tasks.Step) error {
		if !s.ConfirmationRequired {
			return fmt.Errorf("step %d: %w", stepID, ErrConfirmationNotRequired)
		}
		s.ConfirmationRequired = false
		t.Status = tasks.StatusRunning
		return nil
	})
	if err != nil {
		return err
	}
	g.logger.Info("step confirmed", "task_id", taskID, "step", stepID)
	g.bus.Publish(bus.TopicStepConfirmed, StepEvent{TaskID: taskID, Step: stepID})
	return nil
}

// Pending reports whether stepID still waits for confirmation.
func (g *Gate) Pending(taskID string, stepID int) (bool, error) {
	task, err := g.registry.Get(taskID)
	if err != nil {
		return false, err
	}
	for i := len(task.Steps) - 1; i >= 0; i-- {
		if task.Steps[i].Step == stepID {
			return task.Steps[i].ConfirmationRequired, nil
		}
	}
	return false, fmt.Errorf("step %d of task %s: %w", stepID, taskID, tasks.ErrStepNotFound)
}

// Wait blocks until stepID is confirmed, the task finishes, or ctx ends.
// Confirmations published on the bus wake it immediately; a ticker re-checks
// the registry in case a bus event was dropped.
func (g *Gate) Wait(ctx context.Context, taskID string, stepID int) error {
	// Subscribe before the first check so a confirmation in between is not missed.
	var sub *bus.Subscription
	if g.bus != nil {
		sub = g.bus.Subscribe(bus.TopicStepConfirmed)
		defer g.bus.Unsubscribe(sub)
	}

	done, err := g.check(taskID, stepID)
	if err != nil || done {
		return err
	}

	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()

	for {
		var events <-chan bus.Event
		if sub != nil {
			events = sub.Ch()
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for confirmation of step %d: %w", stepID, ctx.Err())
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				sub = nil
				continue
			}
			if se, isStep := ev.Payload.(StepEvent); !isStep || se.TaskID != taskID {
				continue
			}
		}
		done, err := g.check(taskID, stepID)
		if err != nil || done {
			return err
		}
	}
}

// check reports whether stepID is no longer pending. A task that has moved
// to history yields ErrTerminal so waiters stop instead of seeing ErrNotFound.
func (g *Gate) check(taskID string, stepID int) (bool, error) {
	pending, err := g.Pending(taskID, stepID)
	if errors.Is(err, tasks.ErrNotFound) {
		if _, ferr := g.registry.Finished(taskID); ferr == nil {
			return false, fmt.Errorf("task %s: %w", taskID, tasks.ErrTerminal)
		}
	}
	if err != nil {
		return false, err
	}
	return !pending, nil
}
