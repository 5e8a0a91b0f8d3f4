package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Integration outcomes.
const (
	OutcomePending     = "pending"
	OutcomeMerged      = "merged"
	OutcomeConflict    = "conflict"
	OutcomeTestFailure = "test_failure"
	OutcomeRejected    = "rejected"
	OutcomeAborted     = "aborted"
)

// Integration kinds.
const (
	KindMerge  = "merge"
	KindRevert = "revert"
)

// IntegrationAttempt is one serialized use of trunk by the refinery.
type IntegrationAttempt struct {
	ID         int64  `json:"id"`
	TaskID     string `json:"task_id"`
	Kind       string `json:"kind"`
	Branch     string `json:"branch"`
	BaseCommit string `json:"base_commit"`
	// Owner is the refinery lease holder that started the attempt.
	Owner        string     `json:"owner,omitempty"`
	Outcome      string     `json:"outcome"`
	AttemptCount int        `json:"attempt_count"`
	Detail       string     `json:"detail,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// BeginIntegration records a pending attempt. A second pending attempt is
// refused with ErrIntegrationInFlight by the partial unique index, across
// processes. Merge attempts bump the task's integration_attempts counter.
func (s *Store) BeginIntegration(ctx context.Context, a IntegrationAttempt) (IntegrationAttempt, error) {
	if a.Kind == "" {
		a.Kind = KindMerge
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getTask(ctx, tx, a.TaskID); err != nil {
			return err
		}
		if a.Kind == KindMerge {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET integration_attempts = integration_attempts + 1 WHERE id = ?;
			`, a.TaskID); err != nil {
				return fmt.Errorf("bump integration attempts: %w", err)
			}
		}
		if err := tx.QueryRowContext(ctx, `SELECT integration_attempts FROM tasks WHERE id = ?;`, a.TaskID).Scan(&a.AttemptCount); err != nil {
			return fmt.Errorf("read integration attempts: %w", err)
		}
		a.Outcome = OutcomePending
		a.StartedAt = s.now()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO integration_attempts (task_id, kind, branch, base_commit, owner, outcome, attempt_count, started_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, a.TaskID, a.Kind, a.Branch, a.BaseCommit, a.Owner, a.Outcome, a.AttemptCount, a.StartedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrIntegrationInFlight
			}
			return fmt.Errorf("insert integration attempt: %w", err)
		}
		a.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return IntegrationAttempt{}, err
	}
	return a, nil
}

// FinishIntegration closes a pending attempt with outcome.
func (s *Store) FinishIntegration(ctx context.Context, id int64, outcome, detail string) error {
	if outcome == OutcomePending {
		return fmt.Errorf("%w: cannot finish with outcome pending", ErrInvalidTransition)
	}
	return retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE integration_attempts SET outcome = ?, detail = ?, finished_at = ?
			WHERE id = ? AND outcome = ?;
		`, outcome, detail, s.now(), id, OutcomePending)
		if err != nil {
			return fmt.Errorf("finish integration attempt: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("finish integration rows affected: %w", err)
		}
		if n != 1 {
			return fmt.Errorf("finish integration attempt %d: %w", id, ErrNotFound)
		}
		return nil
	})
}

// PendingIntegrations returns attempts still marked in flight.
func (s *Store) PendingIntegrations(ctx context.Context) ([]IntegrationAttempt, error) {
	return s.queryAttempts(ctx, `WHERE outcome = ?`, OutcomePending)
}

// IntegrationAttempts returns every attempt for a task, oldest first.
func (s *Store) IntegrationAttempts(ctx context.Context, taskID string) ([]IntegrationAttempt, error) {
	return s.queryAttempts(ctx, `WHERE task_id = ?`, taskID)
}

func (s *Store) queryAttempts(ctx context.Context, where string, args ...any) ([]IntegrationAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, kind, branch, base_commit, owner, outcome, attempt_count, detail, started_at, finished_at
		FROM integration_attempts `+where+` ORDER BY id ASC;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query integration attempts: %w", err)
	}
	defer rows.Close()
	var out []IntegrationAttempt
	for rows.Next() {
		var a IntegrationAttempt
		var finished sql.NullTime
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Kind, &a.Branch, &a.BaseCommit, &a.Owner, &a.Outcome,
			&a.AttemptCount, &a.Detail, &a.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan integration attempt: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			a.FinishedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
