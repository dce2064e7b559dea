package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/agentrun/internal/bus"
	"github.com/basket/agentrun/internal/otel"
)

// progress is the loop step last reported by the agent. Captured log lines
// without a step marker are recorded under it.
type progress struct {
	step atomic.Int64
}

func (p *progress) set(step int) { p.step.Store(int64(step)) }
func (p *progress) get() int     { return int(p.step.Load()) }

// taskHooks records agent notifications as steps of one task and holds gated
// tools until a human confirms them.
type taskHooks struct {
	runner   *Runner
	taskID   string
	progress *progress
}

func (h *taskHooks) OnThink(ctx context.Context, step int, thought string) {
	h.progress.set(step)
	h.runner.appendStep(ctx, h.taskID, step, thought, bus.KindThink)
}

func (h *taskHooks) OnTool(ctx context.Context, step int, tool, input string) error {
	h.progress.set(step)
	if h.runner.gated[tool] && h.runner.cfg.Gate != nil {
		if err := h.awaitConfirmation(ctx, step, tool, input); err != nil {
			return err
		}
	}
	h.runner.appendStep(ctx, h.taskID, step, fmt.Sprintf("Executing tool: %s\nInput: %s", tool, input), bus.KindTool)
	return nil
}

func (h *taskHooks) awaitConfirmation(ctx context.Context, step int, tool, input string) error {
	r := h.runner
	ctx, span := otel.StartSpan(ctx, r.cfg.Tracer, "task.confirmation",
		otel.AttrTaskID.String(h.taskID),
		otel.AttrStep.Int(step),
		otel.AttrToolName.String(tool),
	)
	defer span.End()

	r.appendStep(ctx, h.taskID, step, fmt.Sprintf("Awaiting confirmation to run tool: %s\nInput: %s", tool, input), bus.KindTool)
	if err := r.cfg.Gate.RequireConfirmation(h.taskID, step); err != nil {
		return fmt.Errorf("require confirmation: %w", err)
	}
	r.cfg.Metrics.Confirmations.Add(ctx, 1, metric.WithAttributes(otel.AttrPhase.String("requested")))

	start := time.Now()
	if err := r.cfg.Gate.Wait(ctx, h.taskID, step); err != nil {
		span.RecordError(err)
		return err
	}
	r.cfg.Metrics.ConfirmationWait.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(otel.AttrToolName.String(tool)))
	r.cfg.Metrics.Confirmations.Add(ctx, 1, metric.WithAttributes(otel.AttrPhase.String("confirmed")))
	return nil
}

func (h *taskHooks) OnAction(ctx context.Context, step int, action string) {
	h.progress.set(step)
	h.runner.appendStep(ctx, h.taskID, step, "Executing action: "+action, bus.KindAct)
}

func (h *taskHooks) OnRun(ctx context.Context, step int, result string) {
	h.progress.set(step)
	h.runner.appendStep(ctx, h.taskID, step, result, bus.KindRun)
}
