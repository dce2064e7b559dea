package tasks

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/basket/agentrun/internal/bus"
)

// Task statuses. A failed task carries "failed: <reason>".
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"

	failedPrefix = "failed: "
)

// FailedStatus renders the status string of a failed task.
func FailedStatus(reason string) string {
	return failedPrefix + reason
}

// IsTerminal reports whether status is completed or failed.
func IsTerminal(status string) bool {
	return status == StatusCompleted || strings.HasPrefix(status, failedPrefix)
}

// Step is one recorded unit of agent progress. Only ConfirmationRequired
// changes after the step is appended.
type Step struct {
	Step                 int           `json:"step"`
	Result               string        `json:"result"`
	Type                 bus.EventKind `json:"type"`
	ConfirmationRequired bool          `json:"confirmation_required"`
}

// Task is a snapshot of one agent run.
type Task struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"`
	Steps     []Step    `json:"steps"`
	MaxStep   int       `json:"max_step"`
}

// MarshalJSON adds task_id next to id, which stream clients key on.
func (t Task) MarshalJSON() ([]byte, error) {
	type plain Task
	return json.Marshal(struct {
		plain
		TaskID string `json:"task_id"`
	}{plain: plain(t), TaskID: t.ID})
}

func (t Task) clone() Task {
	out := t
	out.Steps = append([]Step(nil), t.Steps...)
	if out.Steps == nil {
		out.Steps = []Step{}
	}
	return out
}

// StatusPayload is the body of a "status" event: the full cumulative state.
type StatusPayload struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Steps   []Step `json:"steps"`
	MaxStep int    `json:"max_step"`
}

// StepPayload is the body of a think/tool/act/run/log/result event.
type StepPayload struct {
	TaskID  string        `json:"task_id"`
	Type    bus.EventKind `json:"type"`
	Step    int           `json:"step"`
	Result  string        `json:"result"`
	MaxStep int           `json:"max_step"`
}

// ErrorPayload is the body of the terminal "error" event.
type ErrorPayload struct {
	TaskID  string `json:"task_id"`
	Message string `json:"message"`
	MaxStep int    `json:"max_step"`
}

// CompletePayload is the body of the terminal "complete" event.
type CompletePayload struct {
	TaskID string `json:"task_id"`
}

// LifecycleEvent is published on the process bus for task transitions.
type LifecycleEvent struct {
	Task   Task
	Reason string
}
