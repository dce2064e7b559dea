package agent

import "fmt"

// State is the lifecycle state of an Agent.
type State string

const (
	StateIdle     State = "IDLE"
	StateRunning  State = "RUNNING"
	StateFinished State = "FINISHED"
	StateError    State = "ERROR"
)

// Terminal reports whether a run ending in s must not be rolled back.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateError
}

// InvalidStateError is returned when an operation is not allowed in the
// agent's current state.
type InvalidStateError struct {
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s agent in state %s", e.Op, e.State)
}

// ExecutionError wraps a failure of the executor at a given loop step.
type ExecutionError struct {
	Step int
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("step %d: %v", e.Step, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
