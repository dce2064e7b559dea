package engine

import (
	"context"
	"log/slog"

	slogmulti "github.com/samber/slog-multi"

	"github.com/basket/agentrun/internal/tasks"
)

// taskLogger returns the logger handed to a task's agent: records go to the
// process log and, from Info up, into the task as steps.
func (r *Runner) taskLogger(taskID string, p *progress) *slog.Logger {
	capture := &stepHandler{runner: r, taskID: taskID, progress: p, level: slog.LevelInfo}
	return slog.New(slogmulti.Fanout(r.logger.Handler(), capture)).With("task_id", taskID)
}

// stepHandler turns log records into steps. The step kind comes from the
// markers in the message; attributes are not part of the step text.
type stepHandler struct {
	runner   *Runner
	taskID   string
	progress *progress
	level    slog.Level
}

func (h *stepHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *stepHandler) Handle(ctx context.Context, rec slog.Record) error {
	h.runner.appendStep(ctx, h.taskID, h.progress.get(), rec.Message, tasks.Classify(rec.Message))
	return nil
}

func (h *stepHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *stepHandler) WithGroup(string) slog.Handler      { return h }
