package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult summarizes one prune pass.
type RetentionResult struct {
	PurgedTasks         int64
	PurgedConfirmations int64
}

// Prune deletes archived tasks that finished before now minus retention,
// together with their confirmation rows. Zero retention keeps everything.
func (s *Store) Prune(ctx context.Context, retention time.Duration, now time.Time) (RetentionResult, error) {
	var res RetentionResult
	if retention <= 0 {
		return res, nil
	}
	cutoff := now.Add(-retention).UTC()

	err := retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin prune tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		out, err := tx.ExecContext(ctx, `
			DELETE FROM confirmations
			WHERE task_id IN (SELECT id FROM archived_tasks WHERE finished_at < ?);
		`, cutoff)
		if err != nil {
			return fmt.Errorf("prune confirmations: %w", err)
		}
		confirmations, _ := out.RowsAffected()

		out, err = tx.ExecContext(ctx, `DELETE FROM archived_tasks WHERE finished_at < ?;`, cutoff)
		if err != nil {
			return fmt.Errorf("prune archived tasks: %w", err)
		}
		archived, _ := out.RowsAffected()

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit prune: %w", err)
		}
		res = RetentionResult{PurgedTasks: archived, PurgedConfirmations: confirmations}
		return nil
	})
	return res, err
}
