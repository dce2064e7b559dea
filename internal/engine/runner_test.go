package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/agentrun/internal/agent"
	"github.com/basket/agentrun/internal/bus"
	"github.com/basket/agentrun/internal/gate"
	"github.com/basket/agentrun/internal/tasks"
)

type stepFunc func(ctx context.Context, s *agent.Session) (string, error)

func (f stepFunc) Step(ctx context.Context, s *agent.Session) (string, error) { return f(ctx, s) }

// fakeBuilder records each task's channel while the task is live, so tests
// can read the full stream after it finishes.
type fakeBuilder struct {
	step     stepFunc
	registry *tasks.Registry
	channels *sync.Map
}

func (b fakeBuilder) Supports(kind string) bool { return kind == "diag" || kind == "rag" }

func (b fakeBuilder) Build(_ context.Context, taskID string, kind string, base agent.Config) (*agent.Agent, error) {
	if ch, err := b.registry.Channel(taskID); err == nil {
		b.channels.Store(taskID, ch)
	}
	base.Name = kind
	return agent.New(base, b.step), nil
}

type fixture struct {
	bus      *bus.Bus
	registry *tasks.Registry
	gate     *gate.Gate
	runner   *Runner
	channels *sync.Map
}

func newFixture(t *testing.T, step stepFunc) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New()
	reg := tasks.NewRegistry(tasks.Config{Bus: b, Logger: logger})
	channels := &sync.Map{}
	g := gate.New(reg, gate.Config{Bus: b, PollInterval: 10 * time.Millisecond, Logger: logger})
	r := NewRunner(Config{
		Registry:   reg,
		Gate:       g,
		Builder:    fakeBuilder{step: step, registry: reg, channels: channels},
		Logger:     logger,
		MaxSteps:   30,
		GatedTools: []string{"diag"},
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r.Start(ctx)
	return &fixture{bus: b, registry: reg, gate: g, runner: r, channels: channels}
}

// collect follows the task's channel until its terminal event.
func collect(t *testing.T, f *fixture, id string) []bus.StreamEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var ch *bus.Channel
	for ch == nil {
		if v, ok := f.channels.Load(id); ok {
			ch = v.(*bus.Channel)
			continue
		}
		select {
		case <-ctx.Done():
			t.Fatalf("task %s never started", id)
		case <-time.After(time.Millisecond):
		}
	}

	sub := ch.Subscribe()
	var out []bus.StreamEvent
	for {
		ev, err := sub.Take(ctx)
		if errors.Is(err, bus.ErrChannelClosed) {
			return out
		}
		if err != nil {
			t.Fatalf("Take after %d events: %v", len(out), err)
		}
		out = append(out, ev)
	}
}

// withoutLogs drops captured log frames and the status snapshot each of them produced.
func withoutLogs(events []bus.StreamEvent) []bus.EventKind {
	var out []bus.EventKind
	for i := 0; i < len(events); i++ {
		if events[i].Kind == bus.KindLog {
			if i+1 < len(events) && events[i+1].Kind == bus.KindStatus {
				i++
			}
			continue
		}
		out = append(out, events[i].Kind)
	}
	return out
}

func TestRunner_ListFilesFrameOrder(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, s *agent.Session) (string, error) {
		step := s.CurrentStep()
		s.Hooks().OnThink(ctx, step, "I should list the files")
		if err := s.Hooks().OnTool(ctx, step, "bash", "ls"); err != nil {
			return "", err
		}
		s.Finish()
		return "done", nil
	})

	task, err := f.runner.Submit("list files", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	events := collect(t, f, task.ID)

	got := withoutLogs(events)
	want := []bus.EventKind{
		bus.KindStatus, // running
		bus.KindThink, bus.KindStatus,
		bus.KindTool, bus.KindStatus,
		bus.KindRun, bus.KindStatus,
		bus.KindResult, bus.KindStatus,
		bus.KindStatus, // completed
		bus.KindComplete,
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("frames = %v, want %v", got, want)
	}

	var sawMarker bool
	for _, ev := range events {
		if p, ok := ev.Payload.(tasks.StepPayload); ok && ev.Kind == bus.KindLog && strings.Contains(p.Result, "Executing step 1/30") {
			sawMarker = p.Step == 1 && p.MaxStep == 30
		}
	}
	if !sawMarker {
		t.Fatal("expected the captured progress line with step 1 and max_step 30")
	}

	last := events[len(events)-2].Payload.(tasks.StatusPayload)
	if last.Status != tasks.StatusCompleted || last.MaxStep != 30 {
		t.Fatalf("final status = %+v", last)
	}
	snap, err := f.registry.Finished(task.ID)
	if err != nil {
		t.Fatalf("Finished: %v", err)
	}
	result := snap.Steps[len(snap.Steps)-1]
	if result.Type != bus.KindResult || result.Step != 1 || result.Result != "Step 1: done" {
		t.Fatalf("result step = %+v", result)
	}
	if f.registry.IsLive(task.ID) {
		t.Fatal("completed task should be in history")
	}
}

func TestRunner_ExecutorErrorFailsTask(t *testing.T) {
	f := newFixture(t, func(context.Context, *agent.Session) (string, error) {
		return "", errors.New("llm unavailable")
	})
	task, err := f.runner.Submit("q", "rag")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	events := collect(t, f, task.ID)

	last := events[len(events)-1]
	if last.Kind != bus.KindError {
		t.Fatalf("last frame = %s, want error", last.Kind)
	}
	if p := last.Payload.(tasks.ErrorPayload); !strings.Contains(p.Message, "llm unavailable") {
		t.Fatalf("error message = %q", p.Message)
	}
	snap, _ := f.registry.Finished(task.ID)
	if !strings.HasPrefix(snap.Status, "failed: ") {
		t.Fatalf("status = %q", snap.Status)
	}
	f.runner.Wait()
	if st := f.runner.Status(); !strings.Contains(st.LastError, "llm unavailable") || st.ActiveTasks != 0 {
		t.Fatalf("runner status = %+v", st)
	}
}

func TestRunner_PanicFailsTask(t *testing.T) {
	f := newFixture(t, func(context.Context, *agent.Session) (string, error) {
		panic("boom")
	})
	task, _ := f.runner.Submit("q", "diag")
	events := collect(t, f, task.ID)

	last := events[len(events)-1]
	if last.Kind != bus.KindError {
		t.Fatalf("last frame = %s, want error", last.Kind)
	}
	if p := last.Payload.(tasks.ErrorPayload); p.Message != "panic: boom" {
		t.Fatalf("error message = %q", p.Message)
	}
}

func TestRunner_GatedToolWaitsForConfirmation(t *testing.T) {
	var executed sync.WaitGroup
	executed.Add(1)
	f := newFixture(t, func(ctx context.Context, s *agent.Session) (string, error) {
		if err := s.Hooks().OnTool(ctx, s.CurrentStep(), "diag", "gather scene run"); err != nil {
			return "", err
		}
		executed.Done()
		s.Finish()
		return "gathered", nil
	})

	sub := f.bus.Subscribe(bus.TopicStepConfirmation)
	defer f.bus.Unsubscribe(sub)

	task, err := f.runner.Submit("cluster down", "diag")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var ev bus.Event
	select {
	case ev = <-sub.Ch():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for confirmation request")
	}
	se := ev.Payload.(gate.StepEvent)
	if se.TaskID != task.ID || se.Step != 1 {
		t.Fatalf("confirmation event = %+v", se)
	}
	if pending, _ := f.gate.Pending(task.ID, 1); !pending {
		t.Fatal("step should be pending")
	}

	if err := f.gate.Confirm(task.ID, 1); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	events := collect(t, f, task.ID)
	executed.Wait()
	if last := events[len(events)-1]; last.Kind != bus.KindComplete {
		t.Fatalf("last frame = %s", last.Kind)
	}

	snap, _ := f.registry.Finished(task.ID)
	var awaiting, executing bool
	for _, s := range snap.Steps {
		if strings.HasPrefix(s.Result, "Awaiting confirmation to run tool: diag") {
			awaiting = !s.ConfirmationRequired
		}
		if strings.HasPrefix(s.Result, "Executing tool: diag") {
			executing = true
		}
	}
	if !awaiting || !executing {
		t.Fatalf("steps = %+v", snap.Steps)
	}
	if err := f.gate.Confirm(task.ID, 1); err == nil {
		t.Fatal("confirming a finished task should fail")
	}
}

func TestRunner_DrainCancelsWaitingTask(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, s *agent.Session) (string, error) {
		return "", s.Hooks().OnTool(ctx, s.CurrentStep(), "diag", "rca run")
	})
	sub := f.bus.Subscribe(bus.TopicStepConfirmation)
	defer f.bus.Unsubscribe(sub)

	task, _ := f.runner.Submit("stuck", "diag")
	select {
	case <-sub.Ch():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for confirmation request")
	}

	f.runner.Drain(10 * time.Millisecond)
	snap, _ := f.registry.Finished(task.ID)
	if !strings.Contains(snap.Status, "context canceled") {
		t.Fatalf("status = %q", snap.Status)
	}
	if _, err := f.runner.Submit("late", "diag"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Submit after drain err = %v", err)
	}
}

func TestRunner_UnsupportedKind(t *testing.T) {
	f := newFixture(t, func(context.Context, *agent.Session) (string, error) { return "", nil })
	if _, err := f.runner.Submit("q", "chat"); !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("err = %v, want ErrUnsupportedKind", err)
	}
	if live, archived := f.registry.Counts(); live+archived != 0 {
		t.Fatalf("task created for unsupported kind: live=%d archived=%d", live, archived)
	}
}

func TestRunner_ConcurrentTasksDoNotInterleave(t *testing.T) {
	f := newFixture(t, func(ctx context.Context, s *agent.Session) (string, error) {
		prompt := s.Memory().Messages()[0].Content
		for i := 0; i < 3; i++ {
			s.Hooks().OnThink(ctx, s.CurrentStep(), prompt)
		}
		s.Finish()
		return prompt, nil
	})

	const n = 20
	ids := make([]string, n)
	for i := range ids {
		task, err := f.runner.Submit(fmt.Sprintf("prompt-%d", i), "diag")
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		ids[i] = task.ID
	}
	f.runner.Wait()

	for i, id := range ids {
		prompt := fmt.Sprintf("prompt-%d", i)
		thinks := 0
		for _, ev := range collect(t, f, id) {
			switch p := ev.Payload.(type) {
			case tasks.StepPayload:
				if p.TaskID != id {
					t.Fatalf("task %s got event of %s", id, p.TaskID)
				}
				if p.Type == bus.KindThink {
					thinks++
					if p.Result != prompt {
						t.Fatalf("task %s think = %q, want %q", id, p.Result, prompt)
					}
				}
			case tasks.StatusPayload:
				if p.TaskID != id {
					t.Fatalf("task %s got status of %s", id, p.TaskID)
				}
			}
		}
		if thinks != 3 {
			t.Fatalf("task %s thinks = %d, want 3", id, thinks)
		}
	}
}
