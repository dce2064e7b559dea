package persistence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/basket/agentrun/internal/bus"
	"github.com/basket/agentrun/internal/gate"
	"github.com/basket/agentrun/internal/tasks"
)

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		err    error
		expect bool
	}{
		{nil, false},
		{fmt.Errorf("some other error"), false},
		{fmt.Errorf("database is locked"), true},
		{fmt.Errorf("database table is locked"), true},
		{fmt.Errorf("SQLITE_BUSY (5)"), true},
		{fmt.Errorf("SQLITE_LOCKED (6)"), true},
		{fmt.Errorf("wrapped: database is locked"), true},
	}
	for _, tt := range tests {
		if got := isSQLiteBusy(tt.err); got != tt.expect {
			t.Errorf("isSQLiteBusy(%v) = %v, want %v", tt.err, got, tt.expect)
		}
	}
}

func TestRetryOnBusy_NonBusyError(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		return fmt.Errorf("not a busy error")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call (no retry on non-busy), got %d", calls)
	}
}

func TestRetryOnBusy_BusyThenSuccess(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), 3, func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryOnBusy_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := retryOnBusy(ctx, 5, func() error {
		return fmt.Errorf("database is locked")
	})
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestApply_RoutesTopics(t *testing.T) {
	store, err := Open(t.TempDir() + "/archive.db")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	now := time.Now()

	task := tasks.Task{ID: "t1", Prompt: "p", Kind: "diag", CreatedAt: now, Status: tasks.StatusCompleted}
	events := []bus.Event{
		{Topic: bus.TopicStepConfirmation, Payload: gate.StepEvent{TaskID: "t1", Step: 2}},
		{Topic: bus.TopicStepConfirmed, Payload: gate.StepEvent{TaskID: "t1", Step: 2}},
		{Topic: bus.TopicTaskCompleted, Payload: tasks.LifecycleEvent{Task: task}},
		{Topic: bus.TopicTaskCreated, Payload: tasks.LifecycleEvent{Task: task}},
		{Topic: bus.TopicTaskFailed, Payload: "not a lifecycle event"},
	}
	for _, ev := range events {
		if err := store.apply(ctx, ev, now); err != nil {
			t.Fatalf("apply %s: %v", ev.Topic, err)
		}
	}

	confs, err := store.ListConfirmations(ctx, "t1")
	if err != nil {
		t.Fatalf("list confirmations: %v", err)
	}
	if len(confs) != 2 || confs[0].Phase != PhaseRequested || confs[1].Phase != PhaseConfirmed {
		t.Fatalf("unexpected confirmations: %+v", confs)
	}
	if _, err := store.GetTask(ctx, "t1"); err != nil {
		t.Fatalf("get task: %v", err)
	}
}
