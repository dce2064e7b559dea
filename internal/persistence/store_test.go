package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/agentrun/internal/bus"
	"github.com/basket/agentrun/internal/gate"
	"github.com/basket/agentrun/internal/persistence"
	"github.com/basket/agentrun/internal/tasks"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "archive.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func finishedTask(id, status string, created time.Time) tasks.Task {
	return tasks.Task{
		ID:        id,
		Prompt:    "list files",
		Kind:      "diag",
		CreatedAt: created,
		Status:    status,
		MaxStep:   30,
		Steps: []tasks.Step{
			{Step: 1, Result: "thinking", Type: bus.KindThink},
			{Step: 1, Result: "done", Type: bus.KindResult},
		},
	}
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	for _, table := range []string{"schema_migrations", "archived_tasks", "confirmations"} {
		name := queryOneString(t, db, "SELECT name FROM sqlite_master WHERE type='table' AND name='"+table+"';")
		if name != table {
			t.Fatalf("expected table %s, got %q", table, name)
		}
	}
}

func TestStore_ReopenKeepsSchema(t *testing.T) {
	store, path := openTestStore(t)
	_ = store.Close()

	again, err := persistence.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()

	var n int
	if err := again.DB().QueryRow("SELECT COUNT(*) FROM schema_migrations;").Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 migration row, got %d", n)
	}
}

func TestStore_SaveAndGetTask(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	task := finishedTask("abc", tasks.StatusCompleted, created)
	if err := store.SaveTask(ctx, task, created.Add(time.Minute)); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.GetTask(ctx, "abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Task.Status != tasks.StatusCompleted || got.Task.MaxStep != 30 {
		t.Fatalf("unexpected task: %+v", got.Task)
	}
	if len(got.Task.Steps) != 2 || got.Task.Steps[1].Type != bus.KindResult {
		t.Fatalf("unexpected steps: %+v", got.Task.Steps)
	}
	if !got.Task.CreatedAt.Equal(created) || !got.FinishedAt.Equal(created.Add(time.Minute)) {
		t.Fatalf("unexpected times: created=%v finished=%v", got.Task.CreatedAt, got.FinishedAt)
	}
}

func TestStore_SaveTaskRejectsLiveStatus(t *testing.T) {
	store, _ := openTestStore(t)
	err := store.SaveTask(context.Background(), finishedTask("x", tasks.StatusRunning, time.Now()), time.Now())
	if err == nil {
		t.Fatal("expected error for running task")
	}
}

func TestStore_GetTaskMissing(t *testing.T) {
	store, _ := openTestStore(t)
	if _, err := store.GetTask(context.Background(), "nope"); !errors.Is(err, persistence.ErrNotArchived) {
		t.Fatalf("expected ErrNotArchived, got %v", err)
	}
}

func TestStore_ListRecentNewestFirst(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		task := finishedTask(id, tasks.FailedStatus("boom"), base)
		if err := store.SaveTask(ctx, task, base.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}

	got, err := store.ListRecent(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].Task.ID != "c" || got[1].Task.ID != "b" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestStore_PruneDropsOldTasksAndConfirmations(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	old := finishedTask("old", tasks.StatusCompleted, now.AddDate(0, 0, -40))
	fresh := finishedTask("fresh", tasks.StatusCompleted, now.AddDate(0, 0, -1))
	if err := store.SaveTask(ctx, old, now.AddDate(0, 0, -40)); err != nil {
		t.Fatalf("save old: %v", err)
	}
	if err := store.SaveTask(ctx, fresh, now.AddDate(0, 0, -1)); err != nil {
		t.Fatalf("save fresh: %v", err)
	}
	if err := store.RecordConfirmation(ctx, "old", 1, persistence.PhaseRequested, now.AddDate(0, 0, -40)); err != nil {
		t.Fatalf("record: %v", err)
	}

	res, err := store.Prune(ctx, 30*24*time.Hour, now)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if res.PurgedTasks != 1 || res.PurgedConfirmations != 1 {
		t.Fatalf("unexpected prune result: %+v", res)
	}
	if _, err := store.GetTask(ctx, "fresh"); err != nil {
		t.Fatalf("fresh task should survive: %v", err)
	}

	res, err = store.Prune(ctx, 0, now)
	if err != nil || res.PurgedTasks != 0 {
		t.Fatalf("zero retention should be a no-op: %+v %v", res, err)
	}
}

func TestStore_RecordConfirmationRejectsUnknownPhase(t *testing.T) {
	store, _ := openTestStore(t)
	if err := store.RecordConfirmation(context.Background(), "t", 1, "maybe", time.Now()); err == nil {
		t.Fatal("expected error for unknown phase")
	}
}

func TestStore_FollowArchivesTerminalTasks(t *testing.T) {
	store, _ := openTestStore(t)
	b := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		store.Follow(ctx, b, nil)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("follower never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.Publish(bus.TopicStepConfirmation, gate.StepEvent{TaskID: "f1", Step: 1})
	b.Publish(bus.TopicTaskFailed, tasks.LifecycleEvent{Task: finishedTask("f1", tasks.FailedStatus("x"), time.Now()), Reason: "x"})

	for {
		if _, err := store.GetTask(context.Background(), "f1"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task was not archived")
		}
		time.Sleep(5 * time.Millisecond)
	}
	confs, err := store.ListConfirmations(context.Background(), "f1")
	if err != nil || len(confs) != 1 {
		t.Fatalf("expected one confirmation row, got %+v %v", confs, err)
	}

	cancel()
	<-done
}
