package persistence

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/agentrun/internal/bus"
	"github.com/basket/agentrun/internal/gate"
	"github.com/basket/agentrun/internal/tasks"
)

// Follow archives terminal tasks and confirmation phases published on b
// until ctx is done. Bus delivery is lossy under load, so the archive is a
// best-effort ledger.
func (s *Store) Follow(ctx context.Context, b *bus.Bus, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := s.apply(ctx, ev, time.Now()); err != nil {
				logger.Warn("archive write failed", "topic", ev.Topic, "error", err)
			}
		}
	}
}

func (s *Store) apply(ctx context.Context, ev bus.Event, now time.Time) error {
	switch ev.Topic {
	case bus.TopicTaskCompleted, bus.TopicTaskFailed:
		le, ok := ev.Payload.(tasks.LifecycleEvent)
		if !ok {
			return nil
		}
		return s.SaveTask(ctx, le.Task, now)
	case bus.TopicStepConfirmation, bus.TopicStepConfirmed:
		se, ok := ev.Payload.(gate.StepEvent)
		if !ok {
			return nil
		}
		phase := PhaseRequested
		if ev.Topic == bus.TopicStepConfirmed {
			phase = PhaseConfirmed
		}
		return s.RecordConfirmation(ctx, se.TaskID, se.Step, phase, now)
	}
	return nil
}
