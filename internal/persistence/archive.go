package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/agentrun/internal/tasks"
)

// ErrNotArchived is returned when a task id has no archive row.
var ErrNotArchived = errors.New("task not archived")

// Confirmation phases.
const (
	PhaseRequested = "requested"
	PhaseConfirmed = "confirmed"
)

// ArchivedTask is a finished task as stored in the archive.
type ArchivedTask struct {
	Task       tasks.Task `json:"task"`
	FinishedAt time.Time  `json:"finished_at"`
}

// Confirmation is one half of a step confirmation handshake.
type Confirmation struct {
	TaskID    string    `json:"task_id"`
	Step      int       `json:"step"`
	Phase     string    `json:"phase"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveTask upserts a terminal task snapshot.
func (s *Store) SaveTask(ctx context.Context, t tasks.Task, finishedAt time.Time) error {
	if !tasks.IsTerminal(t.Status) {
		return fmt.Errorf("archive task %s: status %q is not terminal", t.ID, t.Status)
	}
	steps := t.Steps
	if steps == nil {
		steps = []tasks.Step{}
	}
	raw, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO archived_tasks (id, prompt, kind, status, max_step, step_count, steps_json, created_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				max_step = excluded.max_step,
				step_count = excluded.step_count,
				steps_json = excluded.steps_json,
				finished_at = excluded.finished_at;
		`, t.ID, t.Prompt, t.Kind, t.Status, t.MaxStep, len(steps), string(raw), t.CreatedAt.UTC(), finishedAt.UTC())
		if err != nil {
			return fmt.Errorf("save archived task %s: %w", t.ID, err)
		}
		return nil
	})
}

// GetTask loads one archived task.
func (s *Store) GetTask(ctx context.Context, id string) (ArchivedTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, prompt, kind, status, max_step, steps_json, created_at, finished_at
		FROM archived_tasks WHERE id = ?;
	`, id)
	at, err := scanArchived(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ArchivedTask{}, ErrNotArchived
	}
	return at, err
}

// ListRecent returns up to limit archived tasks, newest finish first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]ArchivedTask, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, prompt, kind, status, max_step, steps_json, created_at, finished_at
		FROM archived_tasks ORDER BY finished_at DESC, id LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list archived tasks: %w", err)
	}
	defer rows.Close()

	var out []ArchivedTask
	for rows.Next() {
		at, err := scanArchived(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, at)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArchived(sc scanner) (ArchivedTask, error) {
	var (
		at       ArchivedTask
		rawSteps string
	)
	if err := sc.Scan(&at.Task.ID, &at.Task.Prompt, &at.Task.Kind, &at.Task.Status,
		&at.Task.MaxStep, &rawSteps, &at.Task.CreatedAt, &at.FinishedAt); err != nil {
		return ArchivedTask{}, err
	}
	if err := json.Unmarshal([]byte(rawSteps), &at.Task.Steps); err != nil {
		return ArchivedTask{}, fmt.Errorf("decode steps of %s: %w", at.Task.ID, err)
	}
	return at, nil
}

// RecordConfirmation appends one handshake phase for a task step.
func (s *Store) RecordConfirmation(ctx context.Context, taskID string, step int, phase string, at time.Time) error {
	if phase != PhaseRequested && phase != PhaseConfirmed {
		return fmt.Errorf("unknown confirmation phase %q", phase)
	}
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO confirmations (task_id, step, phase, created_at) VALUES (?, ?, ?, ?);
		`, taskID, step, phase, at.UTC())
		if err != nil {
			return fmt.Errorf("record confirmation: %w", err)
		}
		return nil
	})
}

// ListConfirmations returns the handshake log of a task in insertion order.
func (s *Store) ListConfirmations(ctx context.Context, taskID string) ([]Confirmation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, step, phase, created_at FROM confirmations WHERE task_id = ? ORDER BY id;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list confirmations: %w", err)
	}
	defer rows.Close()

	var out []Confirmation
	for rows.Next() {
		var c Confirmation
		if err := rows.Scan(&c.TaskID, &c.Step, &c.Phase, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan confirmation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
