package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/agentrun/internal/bus"
	"github.com/basket/agentrun/internal/tasks"
)

func setup(t *testing.T, withBus bool) (*tasks.Registry, *Gate, string) {
	t.Helper()
	var b *bus.Bus
	if withBus {
		b = bus.New()
	}
	reg := tasks.NewRegistry(tasks.Config{Bus: b})
	g := New(reg, Config{Bus: b, PollInterval: 10 * time.Millisecond})
	task := reg.Create("run diagnostics", "diag")
	if err := reg.SetRunning(task.ID); err != nil {
		t.Fatalf("SetRunning: %v", err)
	}
	return reg, g, task.ID
}

func TestRequireConfirmation_UnknownStep(t *testing.T) {
	_, g, id := setup(t, false)
	if err := g.RequireConfirmation(id, 5); !errors.Is(err, tasks.ErrStepNotFound) {
		t.Fatalf("err = %v, want ErrStepNotFound", err)
	}
	if err := g.Confirm(id, 5); !errors.Is(err, tasks.ErrStepNotFound) {
		t.Fatalf("err = %v, want ErrStepNotFound", err)
	}
	if err := g.Confirm("missing", 5); !errors.Is(err, tasks.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestConfirmUnflaggedStep(t *testing.T) {
	reg, g, id := setup(t, false)
	_, _ = reg.AppendStep(id, 2, "ls", bus.KindTool)

	if err := g.Confirm(id, 2); !errors.Is(err, ErrConfirmationNotRequired) {
		t.Fatalf("err = %v, want ErrConfirmationNotRequired", err)
	}
}

func TestGateScenarioStepFive(t *testing.T) {
	reg, g, id := setup(t, true)
	ch, err := reg.Channel(id)
	if err != nil {
		t.Fatalf("Channel: %v", err)
	}
	if _, err := reg.AppendStep(id, 5, "Awaiting confirmation: diag", bus.KindTool); err != nil {
		t.Fatalf("AppendStep: %v", err)
	}
	if err := g.RequireConfirmation(id, 5); err != nil {
		t.Fatalf("RequireConfirmation: %v", err)
	}

	snap, _ := reg.Get(id)
	if !snap.Steps[0].ConfirmationRequired {
		t.Fatal("step 5 not flagged")
	}

	waited := make(chan error, 1)
	go func() { waited <- g.Wait(context.Background(), id, 5) }()

	select {
	case err := <-waited:
		t.Fatalf("Wait returned before confirmation: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := g.Confirm(id, 5); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	select {
	case err := <-waited:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after confirmation")
	}

	snap, _ = reg.Get(id)
	if snap.Steps[0].ConfirmationRequired {
		t.Fatal("flag not cleared")
	}
	if snap.Status != tasks.StatusRunning {
		t.Fatalf("status = %q, want running", snap.Status)
	}

	// Confirm streams a fresh status frame with the flag cleared.
	events := ch.Events()
	last := events[len(events)-1]
	if last.Kind != bus.KindStatus {
		t.Fatalf("last event kind = %s, want status", last.Kind)
	}
	frame := last.Payload.(tasks.StatusPayload)
	if frame.Status != tasks.StatusRunning {
		t.Fatalf("frame status = %q, want running", frame.Status)
	}
	step := frame.Steps[len(frame.Steps)-1]
	if step.Step != 5 || step.ConfirmationRequired {
		t.Fatalf("frame step = %+v, want step 5 unflagged", step)
	}

	if err := g.Confirm(id, 5); !errors.Is(err, ErrConfirmationNotRequired) {
		t.Fatalf("second Confirm err = %v, want ErrConfirmationNotRequired", err)
	}
	if err := g.Confirm(id, 5); !errors.Is(err, ErrConfirmationNotRequired) {
		t.Fatalf("third Confirm err = %v, want ErrConfirmationNotRequired", err)
	}
}

func TestWait_PollWithoutBus(t *testing.T) {
	reg, g, id := setup(t, false)
	_, _ = reg.AppendStep(id, 1, "diag", bus.KindTool)
	_ = g.RequireConfirmation(id, 1)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = g.Confirm(id, 1)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.Wait(ctx, id, 1); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestWait_ContextCancel(t *testing.T) {
	reg, g, id := setup(t, true)
	_, _ = reg.AppendStep(id, 1, "diag", bus.KindTool)
	_ = g.RequireConfirmation(id, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx, id, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestWait_TaskFailed(t *testing.T) {
	reg, g, id := setup(t, false)
	_, _ = reg.AppendStep(id, 1, "diag", bus.KindTool)
	_ = g.RequireConfirmation(id, 1)
	_ = reg.Fail(id, "cancelled by operator")

	if err := g.Wait(context.Background(), id, 1); !errors.Is(err, tasks.ErrTerminal) {
		t.Fatalf("err = %v, want ErrTerminal", err)
	}
}

func TestConfirm_FinishedTask(t *testing.T) {
	reg, g, id := setup(t, false)
	_, _ = reg.AppendStep(id, 1, "diag", bus.KindTool)
	_ = g.RequireConfirmation(id, 1)
	_ = reg.Complete(id)

	if err := g.Confirm(id, 1); !errors.Is(err, tasks.ErrTerminal) {
		t.Fatalf("Confirm err = %v, want ErrTerminal", err)
	}
	if _, err := g.Pending(id, 1); !errors.Is(err, tasks.ErrNotFound) {
		t.Fatalf("Pending err = %v, want ErrNotFound", err)
	}
	if err := g.Wait(context.Background(), "missing", 1); !errors.Is(err, tasks.ErrNotFound) {
		t.Fatalf("Wait(unknown) err = %v, want ErrNotFound", err)
	}
}

func TestRequireConfirmation_EmitsStatusSnapshot(t *testing.T) {
	reg, g, id := setup(t, false)
	_, _ = reg.AppendStep(id, 3, "diag", bus.KindTool)
	ch, _ := reg.Channel(id)
	before := len(ch.Events())

	_ = g.RequireConfirmation(id, 3)
	events := ch.Events()
	if len(events) != before+1 {
		t.Fatalf("events = %d, want %d", len(events), before+1)
	}
	last := events[len(events)-1]
	snap := last.Payload.(tasks.StatusPayload)
	if last.Kind != bus.KindStatus || !snap.Steps[len(snap.Steps)-1].ConfirmationRequired {
		t.Fatalf("last event = %+v", last)
	}
}
