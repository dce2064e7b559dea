// Package shared holds helpers used across packages: the identity of a task
// run carried on the context and secret redaction.
package shared

import (
	"context"

	"github.com/google/uuid"
)

// Run identifies one task execution. TraceID correlates its log lines.
type Run struct {
	TaskID  string
	TraceID string
}

type runKey struct{}

// WithRun starts a run scope for taskID with a fresh trace id.
func WithRun(ctx context.Context, taskID string) (context.Context, Run) {
	run := Run{TaskID: taskID, TraceID: uuid.NewString()}
	return context.WithValue(ctx, runKey{}, run), run
}

// RunFrom returns the run scope of ctx, if any.
func RunFrom(ctx context.Context) (Run, bool) {
	run, ok := ctx.Value(runKey{}).(Run)
	return run, ok
}

// TaskID is the task of the run scope, or "".
func TaskID(ctx context.Context) string {
	run, _ := RunFrom(ctx)
	return run.TaskID
}

// TraceID is the trace id of the run scope, or "-" outside one.
func TraceID(ctx context.Context) string {
	if run, ok := RunFrom(ctx); ok && run.TraceID != "" {
		return run.TraceID
	}
	return "-"
}
