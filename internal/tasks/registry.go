package tasks

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentrun/internal/bus"
)

var (
	// ErrNotFound is returned when no live task has the id.
	ErrNotFound = errors.New("task not found")
	// ErrStepNotFound is returned when the task has no step with the id.
	ErrStepNotFound = errors.New("step not found")
	// ErrTerminal is returned when a transition is attempted on a finished task.
	ErrTerminal = errors.New("task already finished")
)

// DefaultKind is the executor kind used when a task is created without one.
const DefaultKind = "diag"

type entry struct {
	task Task
	ch   *bus.Channel
}

// Config configures a Registry.
type Config struct {
	HistorySize int
	Bus         *bus.Bus
	Logger      *slog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Registry owns every task: live ones in a map, terminal ones in a bounded
// FIFO history. One mutex guards both, so a task is never visible in both
// sets and eviction is never observed half done.
type Registry struct {
	mu      sync.RWMutex
	live    map[string]*entry
	history *history

	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		live:    make(map[string]*entry),
		history: newHistory(cfg.HistorySize),
		bus:     cfg.Bus,
		logger:  logger.With("component", "tasks"),
		now:     now,
	}
}

// Create registers a pending task together with its event channel.
func (r *Registry) Create(prompt, kind string) Task {
	if kind == "" {
		kind = DefaultKind
	}
	e := &entry{
		task: Task{
			ID:        uuid.NewString(),
			Prompt:    prompt,
			Kind:      kind,
			CreatedAt: r.now().UTC(),
			Status:    StatusPending,
			Steps:     []Step{},
		},
		ch: bus.NewChannel(),
	}

	r.mu.Lock()
	r.live[e.task.ID] = e
	snap := e.task.clone()
	r.mu.Unlock()

	r.bus.Publish(bus.TopicTaskCreated, LifecycleEvent{Task: snap})
	return snap
}

// Get returns a snapshot of a live task. Finished tasks are only reachable
// through ListHistory and Finished.
func (r *Registry) Get(id string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.live[id]; ok {
		return e.task.clone(), nil
	}
	return Task{}, ErrNotFound
}

// Finished returns the snapshot of a task that is still in history.
func (r *Registry) Finished(id string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e := r.history.find(id); e != nil {
		return e.task.clone(), nil
	}
	return Task{}, ErrNotFound
}

// IsLive reports whether id is a task that has not finished yet.
func (r *Registry) IsLive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.live[id]
	return ok
}

// ListLive returns live tasks, newest first.
func (r *Registry) ListLive() []Task {
	r.mu.RLock()
	out := make([]Task, 0, len(r.live))
	for _, e := range r.live {
		out = append(out, e.task.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ListHistory returns terminal tasks in the order they finished, oldest first.
func (r *Registry) ListHistory() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.history.list()
}

// Counts returns the number of live and archived tasks.
func (r *Registry) Counts() (live, archived int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live), r.history.len()
}

// Channel returns the event channel of a live task. Once the task finishes
// new readers get ErrNotFound; existing subscribers keep draining.
func (r *Registry) Channel(id string) (*bus.Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.live[id]; ok {
		return e.ch, nil
	}
	return nil, ErrNotFound
}

// SetRunning moves a pending task to running and emits a status snapshot.
func (r *Registry) SetRunning(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.liveLocked(id)
	if err != nil {
		return err
	}
	prev := e.task.Status
	e.task.Status = StatusRunning
	r.putLocked(e, r.statusEventLocked(e))
	r.bus.Publish(bus.TopicTaskStateChanged, LifecycleEvent{Task: e.task.clone(), Reason: prev})
	return nil
}

// AppendStep records a step and emits the step event followed by a status
// snapshot. A "Executing step n/m" marker in result overrides index with n
// and sets the task's max step hint to m.
func (r *Registry) AppendStep(id string, index int, result string, kind bus.EventKind) (Step, error) {
	current, total, ok, perr := parseProgress(result)
	if perr != nil {
		r.logger.Warn("ignoring progress marker", "task_id", id, "error", perr)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.liveLocked(id)
	if err != nil {
		return Step{}, err
	}
	if ok {
		index = current
		e.task.MaxStep = total
	}
	step := Step{Step: index, Result: result, Type: kind}
	e.task.Steps = append(e.task.Steps, step)

	r.putLocked(e, bus.StreamEvent{
		Kind: stepEventKind(kind),
		Payload: StepPayload{
			TaskID:  id,
			Type:    kind,
			Step:    index,
			Result:  result,
			MaxStep: e.task.MaxStep,
		},
	})
	r.putLocked(e, r.statusEventLocked(e))
	return step, nil
}

// UpdateStep runs fn on the most recent step with the given id while holding
// the registry lock. fn may also change the task status, but not to a
// terminal one. A status snapshot is emitted when fn succeeds.
func (r *Registry) UpdateStep(id string, stepID int, fn func(t *Task, s *Step) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.liveLocked(id)
	if err != nil {
		return err
	}
	idx := -1
	for i := len(e.task.Steps) - 1; i >= 0; i-- {
		if e.task.Steps[i].Step == stepID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("step %d of task %s: %w", stepID, id, ErrStepNotFound)
	}

	prev := e.task.Status
	if err := fn(&e.task, &e.task.Steps[idx]); err != nil {
		e.task.Status = prev
		return err
	}
	if IsTerminal(e.task.Status) {
		e.task.Status = prev
	}
	r.putLocked(e, r.statusEventLocked(e))
	return nil
}

// Complete marks a task completed, emits the final status and the complete
// event, and moves the task to history.
func (r *Registry) Complete(id string) error {
	r.mu.Lock()
	e, err := r.liveLocked(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	e.task.Status = StatusCompleted
	r.putLocked(e, r.statusEventLocked(e))
	r.putLocked(e, bus.StreamEvent{Kind: bus.KindComplete, Payload: CompletePayload{TaskID: id}})
	evicted := r.archiveLocked(e)
	snap := e.task.clone()
	r.mu.Unlock()

	r.bus.Publish(bus.TopicTaskCompleted, LifecycleEvent{Task: snap})
	r.publishEvicted(evicted)
	return nil
}

// Fail marks a task failed with reason, emits the error event, and moves the
// task to history.
func (r *Registry) Fail(id, reason string) error {
	r.mu.Lock()
	e, err := r.liveLocked(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	e.task.Status = FailedStatus(reason)
	r.putLocked(e, bus.StreamEvent{
		Kind:    bus.KindError,
		Payload: ErrorPayload{TaskID: id, Message: reason, MaxStep: e.task.MaxStep},
	})
	evicted := r.archiveLocked(e)
	snap := e.task.clone()
	r.mu.Unlock()

	r.bus.Publish(bus.TopicTaskFailed, LifecycleEvent{Task: snap, Reason: reason})
	r.publishEvicted(evicted)
	return nil
}

func (r *Registry) publishEvicted(e *entry) {
	if e == nil {
		return
	}
	r.bus.Publish(bus.TopicTaskEvicted, LifecycleEvent{Task: e.task.clone()})
}

// liveLocked distinguishes finished tasks from unknown ones.
func (r *Registry) liveLocked(id string) (*entry, error) {
	if e, ok := r.live[id]; ok {
		return e, nil
	}
	if r.history.find(id) != nil {
		return nil, fmt.Errorf("task %s: %w", id, ErrTerminal)
	}
	return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
}

func (r *Registry) archiveLocked(e *entry) *entry {
	e.ch.Close()
	delete(r.live, e.task.ID)
	return r.history.push(e)
}

func (r *Registry) statusEventLocked(e *entry) bus.StreamEvent {
	snap := e.task.clone()
	return bus.StreamEvent{
		Kind: bus.KindStatus,
		Payload: StatusPayload{
			TaskID:  snap.ID,
			Status:  snap.Status,
			Steps:   snap.Steps,
			MaxStep: snap.MaxStep,
		},
	}
}

func (r *Registry) putLocked(e *entry, ev bus.StreamEvent) {
	if err := e.ch.Put(ev); err != nil {
		r.logger.Warn("dropping event", "task_id", e.task.ID, "kind", string(ev.Kind), "error", err)
	}
}
