package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/polecat/internal/bus"
)

// Report kinds.
const (
	ReportExecutorFailure = "executor_failure"
	ReportStaleWorker     = "stale_worker"
	ReportSetupFailure    = "setup_failure"
	ReportMergeConflict   = "merge_conflict"
	ReportTestFailure     = "test_failure"
	ReportRegression      = "regression"
	ReportReviewChanges   = "review_changes"
	ReportReviewRejected  = "review_rejected"
	ReportMaxAttempts     = "max_attempts"
	ReportReviewRouted    = "review_routed"
	// ReportIntegrationAborted records an attempt abandoned for reasons
	// other than a conflict or a failing test.
	ReportIntegrationAborted = "integration_aborted"
)

// Report is structured failure or review detail attached to a task. The
// store is the durable record of why something failed.
type Report struct {
	ID        string         `json:"id"`
	TaskID    string         `json:"task_id"`
	Kind      string         `json:"kind"`
	Summary   string         `json:"summary"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AttachReport stores a report without touching the task's status.
func (s *Store) AttachReport(ctx context.Context, r Report) (Report, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getTask(ctx, tx, r.TaskID); err != nil {
			return err
		}
		return s.attachReportTx(ctx, tx, &r)
	})
	if err != nil {
		return Report{}, err
	}
	s.publishReport(r)
	return r, nil
}

func (s *Store) attachReportTx(ctx context.Context, tx *sql.Tx, r *Report) error {
	if r.ID == "" {
		r.ID = newReportID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	detail := "{}"
	if len(r.Detail) > 0 {
		raw, err := json.Marshal(r.Detail)
		if err != nil {
			return fmt.Errorf("encode report detail: %w", err)
		}
		detail = string(raw)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_reports (id, task_id, kind, summary, detail_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, r.ID, r.TaskID, r.Kind, r.Summary, detail, r.CreatedAt); err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

// Reports returns the reports attached to a task, oldest first.
func (s *Store) Reports(ctx context.Context, taskID string) ([]Report, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, kind, summary, detail_json, created_at
		FROM task_reports WHERE task_id = ? ORDER BY created_at ASC, id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()
	var out []Report
	for rows.Next() {
		var r Report
		var detail string
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Kind, &r.Summary, &detail, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		if detail != "" && detail != "{}" {
			if err := json.Unmarshal([]byte(detail), &r.Detail); err != nil {
				return nil, fmt.Errorf("decode report detail: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) publishReport(r Report) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicTaskReport, bus.TaskReportEvent{TaskID: r.TaskID, Kind: r.Kind, Summary: r.Summary})
}
