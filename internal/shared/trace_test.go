package shared

import (
	"context"
	"testing"
)

func TestRunScope_Defaults(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	if got := TaskID(ctx); got != "" {
		t.Fatalf("expected empty task id, got %q", got)
	}
	if _, ok := RunFrom(ctx); ok {
		t.Fatal("expected no run scope")
	}
}

func TestRunScope_CarriesTaskAndTrace(t *testing.T) {
	ctx, run := WithRun(context.Background(), "task-1")
	if run.TaskID != "task-1" || run.TraceID == "" {
		t.Fatalf("unexpected run %+v", run)
	}
	if got := TaskID(ctx); got != "task-1" {
		t.Fatalf("expected task-1, got %q", got)
	}
	if got := TraceID(ctx); got != run.TraceID {
		t.Fatalf("expected %q, got %q", run.TraceID, got)
	}

	_, other := WithRun(context.Background(), "task-1")
	if other.TraceID == run.TraceID {
		t.Fatal("each run should get its own trace id")
	}
}
