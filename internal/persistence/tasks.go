package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/basket/polecat/internal/bus"
)

type TaskStatus string

const (
	StatusUnclaimed  TaskStatus = "unclaimed"
	StatusInProgress TaskStatus = "in_progress"
	StatusReview     TaskStatus = "review"
	StatusMergeReady TaskStatus = "merge_ready"
	StatusDone       TaskStatus = "done"
	StatusBlocked    TaskStatus = "blocked"
	StatusCancelled  TaskStatus = "cancelled"
)

// Priority bounds. 0 is the most urgent.
const (
	MinPriority     = 0
	MaxPriority     = 4
	DefaultPriority = 2
)

// Review decisions recorded on a task by the refinery.
const (
	ReviewAutoMerge   = "auto_merge"
	ReviewNeedsReview = "needs_review"
	ReviewApproved    = "approved"
)

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	StatusUnclaimed: {
		StatusInProgress: {},
		StatusCancelled:  {},
	},
	StatusInProgress: {
		StatusReview:    {},
		StatusBlocked:   {},
		StatusCancelled: {},
		StatusUnclaimed: {}, // Stall requeue or abandon.
	},
	StatusReview: {
		StatusMergeReady: {},
		StatusBlocked:    {},
		StatusCancelled:  {},
		StatusInProgress: {}, // Changes requested.
	},
	StatusMergeReady: {
		StatusDone:      {},
		StatusBlocked:   {}, // Integration kickback.
		StatusCancelled: {},
	},
	StatusBlocked: {
		StatusInProgress: {},
		StatusUnclaimed:  {},
		StatusReview:     {},
		StatusMergeReady: {},
		StatusCancelled:  {},
	},
	StatusDone: {
		StatusInProgress: {}, // Regression reopen only.
	},
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to TaskStatus) bool {
	return canTransition(from, to)
}

// Terminal reports whether status ends the task lifecycle.
func (s TaskStatus) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// holdsAssignee reports whether a task in status must carry an assignee.
func holdsAssignee(s TaskStatus) bool {
	return s == StatusInProgress || s == StatusReview
}

func ParseStatus(raw string) (TaskStatus, error) {
	st := TaskStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch st {
	case StatusUnclaimed, StatusInProgress, StatusReview, StatusMergeReady, StatusDone, StatusBlocked, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTask, raw)
}

type Task struct {
	ID                  string     `json:"id"`
	Title               string     `json:"title"`
	Description         string     `json:"description,omitempty"`
	Type                string     `json:"type"`
	Project             string     `json:"project"`
	Status              TaskStatus `json:"status"`
	Priority            int        `json:"priority"`
	Assignee            string     `json:"assignee,omitempty"`
	LastAssignee        string     `json:"last_assignee,omitempty"`
	DependsOn           []string   `json:"depends_on,omitempty"`
	Tags                []string   `json:"tags,omitempty"`
	BranchName          string     `json:"branch_name,omitempty"`
	IntegrationAttempts int        `json:"integration_attempts"`
	ReviewDecision      string     `json:"review_decision,omitempty"`
	MergeCommit         string     `json:"merge_commit,omitempty"`
	CloseReason         string     `json:"close_reason,omitempty"`
	AvailableAt         time.Time  `json:"available_at"`
	HeartbeatAt         *time.Time `json:"heartbeat_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	ClosedAt            *time.Time `json:"closed_at,omitempty"`
}

// HasTag reports whether the task carries tag.
func (t *Task) HasTag(tag string) bool {
	return slices.Contains(t.Tags, tag)
}

// TagValue returns the value of the first "key:value" tag for key.
func (t *Task) TagValue(key string) (string, bool) {
	prefix := key + ":"
	for _, tag := range t.Tags {
		if strings.HasPrefix(tag, prefix) {
			return strings.TrimPrefix(tag, prefix), true
		}
	}
	return "", false
}

const taskColumns = `id, title, description, type, project, status, priority, assignee, last_assignee,
	tags, branch_name, integration_attempts, review_decision, merge_commit, close_reason,
	available_at, heartbeat_at, created_at, updated_at, closed_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var tags string
	var heartbeat, closed sql.NullTime
	if err := scanFn(
		&task.ID,
		&task.Title,
		&task.Description,
		&task.Type,
		&task.Project,
		&task.Status,
		&task.Priority,
		&task.Assignee,
		&task.LastAssignee,
		&tags,
		&task.BranchName,
		&task.IntegrationAttempts,
		&task.ReviewDecision,
		&task.MergeCommit,
		&task.CloseReason,
		&task.AvailableAt,
		&heartbeat,
		&task.CreatedAt,
		&task.UpdatedAt,
		&closed,
	); err != nil {
		return err
	}
	task.Tags = nil
	if tags != "" && tags != "[]" {
		if err := json.Unmarshal([]byte(tags), &task.Tags); err != nil {
			return fmt.Errorf("decode tags for %s: %w", task.ID, err)
		}
	}
	task.HeartbeatAt = nil
	if heartbeat.Valid {
		t := heartbeat.Time
		task.HeartbeatAt = &t
	}
	task.ClosedAt = nil
	if closed.Valid {
		t := closed.Time
		task.ClosedAt = &t
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getTask(ctx context.Context, q queryer, id string) (*Task, error) {
	var task Task
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	if err := scanTask(row.Scan, &task); err != nil {
		return nil, wrapDBError("get task "+id, err)
	}
	deps, err := loadDependencies(ctx, q, id)
	if err != nil {
		return nil, err
	}
	task.DependsOn = deps
	return &task, nil
}

func loadDependencies(ctx context.Context, q queryer, id string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT depends_on FROM task_dependencies WHERE task_id = ? ORDER BY depends_on;`, id)
	if err != nil {
		return nil, fmt.Errorf("query dependencies of %s: %w", id, err)
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// Get returns a task with its dependency ids.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	return getTask(ctx, s.db, id)
}

// readyClause selects unclaimed tasks whose dependencies are all done.
const readyClause = `t.status = 'unclaimed' AND t.available_at <= ?
	AND NOT EXISTS (
		SELECT 1 FROM task_dependencies d
		JOIN tasks p ON p.id = d.depends_on
		WHERE d.task_id = t.id AND p.status != 'done'
	)`

// Claim atomically hands the highest-priority ready task to caller and moves
// it to in_progress. It returns nil, nil when nothing is ready. When projects
// are given only tasks of those projects are considered.
func (s *Store) Claim(ctx context.Context, caller string, projects ...string) (*Task, error) {
	if strings.TrimSpace(caller) == "" {
		return nil, fmt.Errorf("%w: empty caller", ErrInvalidTask)
	}
	for attempt := 0; ; attempt++ {
		task, err := s.claimOnce(ctx, caller, projects)
		if !errors.Is(err, ErrClaimConflict) || attempt >= busyRetries {
			return task, err
		}
		// The write lock makes this unreachable; seeing it means the
		// compare-and-set is the only thing standing between two owners.
		s.logger.Error("claim compare-and-set lost; retrying", "caller", caller, "attempt", attempt+1)
	}
}

func (s *Store) claimOnce(ctx context.Context, caller string, projects []string) (*Task, error) {
	var claimed *Task
	var ev bus.TaskStateChangedEvent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		claimed = nil
		now := s.now()
		query := `SELECT t.id FROM tasks t WHERE ` + readyClause
		args := []any{now}
		if len(projects) > 0 {
			query += ` AND t.project IN (?` + strings.Repeat(",?", len(projects)-1) + `)`
			for _, p := range projects {
				args = append(args, p)
			}
		}
		query += ` ORDER BY t.priority ASC, t.created_at ASC, t.id ASC LIMIT 1;`

		var id string
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select ready task: %w", err)
		}
		task, from, err := s.applyUpdateTx(ctx, tx, id, TaskUpdate{
			Status:   ptr(StatusInProgress),
			Assignee: &caller,
			Reason:   "claim",
		}, "task.claimed", updateOpts{})
		if err != nil {
			return err
		}
		claimed = task
		ev = bus.TaskStateChangedEvent{TaskID: id, OldStatus: string(from), NewStatus: string(task.Status), Assignee: caller, EventType: "task.claimed"}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed != nil {
		s.publishState(ev)
	}
	return claimed, nil
}

// ClaimByID binds caller to a specific task. A task already held by caller is
// returned unchanged. A blocked task is resumed. Another holder yields
// ErrClaimConflict.
func (s *Store) ClaimByID(ctx context.Context, id, caller string) (*Task, error) {
	if strings.TrimSpace(caller) == "" {
		return nil, fmt.Errorf("%w: empty caller", ErrInvalidTask)
	}
	var out *Task
	var ev *bus.TaskStateChangedEvent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		out, ev = nil, nil
		current, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		switch current.Status {
		case StatusInProgress, StatusReview:
			if current.Assignee != caller {
				return fmt.Errorf("%w: %s is held by %s", ErrClaimConflict, id, current.Assignee)
			}
			out = current
			return nil
		case StatusUnclaimed, StatusBlocked:
		default:
			return fmt.Errorf("%w: cannot claim task in status %s", ErrInvalidTransition, current.Status)
		}
		task, from, err := s.applyUpdateTx(ctx, tx, id, TaskUpdate{
			Status:   ptr(StatusInProgress),
			Assignee: &caller,
			Reason:   "claim_by_id",
		}, "task.claimed", updateOpts{})
		if err != nil {
			return err
		}
		out = task
		ev = &bus.TaskStateChangedEvent{TaskID: id, OldStatus: string(from), NewStatus: string(task.Status), Assignee: caller, EventType: "task.claimed"}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if ev != nil {
		s.publishState(*ev)
	}
	return out, nil
}

// TaskUpdate carries the fields to change. Nil pointers are left untouched.
type TaskUpdate struct {
	Status         *TaskStatus
	Assignee       *string
	Title          *string
	Description    *string
	Priority       *int
	Tags           *[]string
	BranchName     *string
	ReviewDecision *string
	MergeCommit    *string
	CloseReason    *string
	NotBefore      *time.Time

	// ExpectAssignee guards the update: it only applies while the task is
	// held by this caller.
	ExpectAssignee string

	// Reason is recorded in the transition event payload.
	Reason string
}

type updateOpts struct {
	allowReopen bool
	report      *Report
}

// Update applies fields to a task, validating any status change against the
// allowed edges.
func (s *Store) Update(ctx context.Context, id string, upd TaskUpdate) (*Task, error) {
	return s.update(ctx, id, upd, "task.updated", updateOpts{})
}

func (s *Store) update(ctx context.Context, id string, upd TaskUpdate, eventType string, opts updateOpts) (*Task, error) {
	var out *Task
	var from TaskStatus
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		task, prev, err := s.applyUpdateTx(ctx, tx, id, upd, eventType, opts)
		if err != nil {
			return err
		}
		out, from = task, prev
		return nil
	})
	if err != nil {
		return nil, err
	}
	if from != out.Status {
		s.publishState(bus.TaskStateChangedEvent{TaskID: id, OldStatus: string(from), NewStatus: string(out.Status), Assignee: out.Assignee, EventType: eventType})
	}
	if opts.report != nil {
		s.publishReport(*opts.report)
	}
	return out, nil
}

// applyUpdateTx loads the task, computes its next row, and writes it with a
// compare-and-set on (status, assignee). A lost race returns ErrClaimConflict.
func (s *Store) applyUpdateTx(ctx context.Context, tx *sql.Tx, id string, upd TaskUpdate, eventType string, opts updateOpts) (*Task, TaskStatus, error) {
	current, err := getTask(ctx, tx, id)
	if err != nil {
		return nil, "", err
	}
	if upd.ExpectAssignee != "" && current.Assignee != upd.ExpectAssignee {
		return nil, "", fmt.Errorf("%w: %s is held by %q", ErrNotAssignee, id, current.Assignee)
	}

	next := *current
	now := s.now()
	from := current.Status

	if upd.Status != nil && *upd.Status != current.Status {
		to := *upd.Status
		if !canTransition(from, to) {
			return nil, "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		if from == StatusDone && !opts.allowReopen {
			return nil, "", fmt.Errorf("%w: done tasks are reopened only by a revert", ErrInvalidTransition)
		}
		if from == StatusUnclaimed && to == StatusInProgress {
			unmet, err := unmetDependencies(ctx, tx, id)
			if err != nil {
				return nil, "", err
			}
			if len(unmet) > 0 {
				return nil, "", fmt.Errorf("%w: %s waits on %s", ErrDependenciesUnmet, id, strings.Join(unmet, ", "))
			}
		}
		next.Status = to
		if to.Terminal() {
			next.ClosedAt = &now
		} else {
			next.ClosedAt = nil
		}
		if to == StatusInProgress {
			next.HeartbeatAt = &now
		} else {
			next.HeartbeatAt = nil
		}
	}

	if holdsAssignee(next.Status) {
		assignee := ""
		for _, candidate := range []*string{upd.Assignee, &current.Assignee, &current.LastAssignee} {
			if candidate != nil && strings.TrimSpace(*candidate) != "" {
				assignee = strings.TrimSpace(*candidate)
				break
			}
		}
		if assignee == "" {
			return nil, "", fmt.Errorf("%w: status %s requires an assignee", ErrInvalidTransition, next.Status)
		}
		next.Assignee = assignee
	} else {
		if upd.Assignee != nil && *upd.Assignee != "" {
			return nil, "", fmt.Errorf("%w: status %s cannot carry an assignee", ErrInvalidTransition, next.Status)
		}
		next.Assignee = ""
	}
	if next.Assignee != "" {
		next.LastAssignee = next.Assignee
	} else if current.Assignee != "" {
		next.LastAssignee = current.Assignee
	}

	if upd.Title != nil {
		next.Title = *upd.Title
	}
	if upd.Description != nil {
		next.Description = *upd.Description
	}
	if upd.Priority != nil {
		if *upd.Priority < MinPriority || *upd.Priority > MaxPriority {
			return nil, "", fmt.Errorf("%w: priority %d outside %d..%d", ErrInvalidTask, *upd.Priority, MinPriority, MaxPriority)
		}
		next.Priority = *upd.Priority
	}
	if upd.Tags != nil {
		next.Tags = normalizeSet(*upd.Tags)
	}
	if upd.BranchName != nil {
		next.BranchName = *upd.BranchName
	}
	if upd.ReviewDecision != nil {
		next.ReviewDecision = *upd.ReviewDecision
	}
	if upd.MergeCommit != nil {
		next.MergeCommit = *upd.MergeCommit
	}
	if upd.CloseReason != nil {
		next.CloseReason = *upd.CloseReason
	}
	if upd.NotBefore != nil {
		next.AvailableAt = upd.NotBefore.UTC()
	}
	next.UpdatedAt = now

	tags, err := json.Marshal(nonNil(next.Tags))
	if err != nil {
		return nil, "", fmt.Errorf("encode tags: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET title = ?, description = ?, status = ?, priority = ?, assignee = ?, last_assignee = ?,
			tags = ?, branch_name = ?, review_decision = ?, merge_commit = ?, close_reason = ?,
			available_at = ?, heartbeat_at = ?, updated_at = ?, closed_at = ?
		WHERE id = ? AND status = ? AND assignee = ?;
	`, next.Title, next.Description, next.Status, next.Priority, next.Assignee, next.LastAssignee,
		string(tags), next.BranchName, next.ReviewDecision, next.MergeCommit, next.CloseReason,
		next.AvailableAt, timeOrNil(next.HeartbeatAt), next.UpdatedAt, timeOrNil(next.ClosedAt),
		id, current.Status, current.Assignee)
	if err != nil {
		return nil, "", fmt.Errorf("update task %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, "", fmt.Errorf("update rows affected: %w", err)
	}
	if affected != 1 {
		return nil, "", fmt.Errorf("%w: %s changed underneath the update", ErrClaimConflict, id)
	}

	if from != next.Status {
		payload := map[string]any{}
		if upd.Reason != "" {
			payload["reason"] = upd.Reason
		}
		if next.Assignee != "" {
			payload["assignee"] = next.Assignee
		}
		if err := s.appendTaskEventTx(ctx, tx, id, from, next.Status, eventType, payload); err != nil {
			return nil, "", err
		}
	}
	if opts.report != nil {
		opts.report.TaskID = id
		if err := s.attachReportTx(ctx, tx, opts.report); err != nil {
			return nil, "", err
		}
	}
	return &next, from, nil
}

func unmetDependencies(ctx context.Context, q queryer, id string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT d.depends_on FROM task_dependencies d
		JOIN tasks p ON p.id = d.depends_on
		WHERE d.task_id = ? AND p.status != 'done'
		ORDER BY d.depends_on;
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query unmet dependencies: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("scan unmet dependency: %w", err)
		}
		out = append(out, dep)
	}
	return out, rows.Err()
}

// Heartbeat refreshes the liveness timestamp of a task held by caller. It
// returns false when caller no longer holds the task in progress.
func (s *Store) Heartbeat(ctx context.Context, id, caller string) (bool, error) {
	var ok bool
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET heartbeat_at = ?
			WHERE id = ? AND assignee = ? AND status = ?;
		`, s.now(), id, caller, StatusInProgress)
		if err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("heartbeat rows affected: %w", err)
		}
		ok = n == 1
		return nil
	})
	return ok, err
}

// StaleTasks returns in_progress tasks whose last heartbeat is before cutoff.
func (s *Store) StaleTasks(ctx context.Context, cutoff time.Time) ([]Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND COALESCE(heartbeat_at, updated_at) < ?
		ORDER BY updated_at ASC, id ASC;
	`, StatusInProgress, cutoff.UTC())
}

// RequeueOptions describe how a task is returned to the pool.
type RequeueOptions struct {
	ExpectAssignee string
	NotBefore      time.Time
	Reason         string
	Report         *Report
}

// Requeue returns an in_progress or blocked task to unclaimed, clearing its
// assignee and attaching an optional report in the same transaction.
func (s *Store) Requeue(ctx context.Context, id string, opts RequeueOptions) (*Task, error) {
	upd := TaskUpdate{
		Status:         ptr(StatusUnclaimed),
		ExpectAssignee: opts.ExpectAssignee,
		Reason:         opts.Reason,
	}
	if !opts.NotBefore.IsZero() {
		upd.NotBefore = &opts.NotBefore
	}
	return s.update(ctx, id, upd, "task.requeued", updateOpts{report: opts.Report})
}

// Block moves a task to blocked with its failure report attached.
func (s *Store) Block(ctx context.Context, id string, expectAssignee string, report Report, reviewDecision string) (*Task, error) {
	upd := TaskUpdate{
		Status:         ptr(StatusBlocked),
		ExpectAssignee: expectAssignee,
		Reason:         report.Kind,
	}
	if reviewDecision != "" {
		upd.ReviewDecision = &reviewDecision
	}
	return s.update(ctx, id, upd, "task.blocked", updateOpts{report: &report})
}

// Reopen moves a done task back to in_progress with regression evidence. The
// task goes back to assignee, or to its last assignee when empty.
func (s *Store) Reopen(ctx context.Context, id, assignee string, report Report) (*Task, error) {
	upd := TaskUpdate{
		Status:         ptr(StatusInProgress),
		CloseReason:    ptr(""),
		ReviewDecision: ptr(""),
		MergeCommit:    ptr(""),
		Reason:         "regression",
	}
	if assignee != "" {
		upd.Assignee = &assignee
	}
	return s.update(ctx, id, upd, "task.reopened", updateOpts{allowReopen: true, report: &report})
}

// Transition applies a status change with an optional report in one
// transaction. eventType names the task_events row.
func (s *Store) Transition(ctx context.Context, id string, upd TaskUpdate, eventType string, report *Report) (*Task, error) {
	if eventType == "" {
		eventType = "task.updated"
	}
	return s.update(ctx, id, upd, eventType, updateOpts{report: report})
}

// TaskOrder selects the sort order of Query.
type TaskOrder int

const (
	// OrderPriority sorts by priority, then age.
	OrderPriority TaskOrder = iota
	// OrderUpdated sorts by the time the task entered its current state.
	OrderUpdated
)

// TaskFilter narrows Query. Zero values match everything.
type TaskFilter struct {
	Statuses []TaskStatus
	Project  string
	Assignee string
	Tag      string
	Ready    bool
	Order    TaskOrder
	Limit    int
}

// Query lists tasks matching filter. It only reads.
func (s *Store) Query(ctx context.Context, filter TaskFilter) ([]Task, error) {
	var where []string
	var args []any
	if filter.Ready {
		where = append(where, readyClause)
		args = append(args, s.now())
	}
	if len(filter.Statuses) > 0 {
		where = append(where, `t.status IN (?`+strings.Repeat(",?", len(filter.Statuses)-1)+`)`)
		for _, st := range filter.Statuses {
			args = append(args, st)
		}
	}
	if filter.Project != "" {
		where = append(where, `t.project = ?`)
		args = append(args, filter.Project)
	}
	if filter.Assignee != "" {
		where = append(where, `t.assignee = ?`)
		args = append(args, filter.Assignee)
	}
	if filter.Tag != "" {
		where = append(where, `EXISTS (SELECT 1 FROM json_each(t.tags) WHERE json_each.value = ?)`)
		args = append(args, filter.Tag)
	}

	query := `SELECT ` + prefixColumns("t.") + ` FROM tasks t`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	switch filter.Order {
	case OrderUpdated:
		query += ` ORDER BY t.updated_at ASC, t.id ASC`
	default:
		query += ` ORDER BY t.priority ASC, t.created_at ASC, t.id ASC`
	}
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	return s.queryTasks(ctx, query+`;`, args...)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	var tasks []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	for i := range tasks {
		deps, err := loadDependencies(ctx, s.db, tasks[i].ID)
		if err != nil {
			return nil, err
		}
		tasks[i].DependsOn = deps
	}
	return tasks, nil
}

func prefixColumns(prefix string) string {
	cols := strings.Split(taskColumns, ",")
	for i, c := range cols {
		cols[i] = prefix + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// Dependencies returns the tasks id depends on.
func (s *Store) Dependencies(ctx context.Context, id string) ([]Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+prefixColumns("t.")+` FROM tasks t
		JOIN task_dependencies d ON d.depends_on = t.id
		WHERE d.task_id = ?
		ORDER BY t.id;
	`, id)
}

// Stats counts tasks per status.
func (s *Store) Stats(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("query task stats: %w", err)
	}
	defer rows.Close()
	out := make(map[TaskStatus]int)
	for rows.Next() {
		var st TaskStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan task stats: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

// TaskEvent is one row of the transition ledger.
type TaskEvent struct {
	EventID   int64      `json:"event_id"`
	TaskID    string     `json:"task_id"`
	EventType string     `json:"event_type"`
	StateFrom TaskStatus `json:"state_from,omitempty"`
	StateTo   TaskStatus `json:"state_to"`
	TraceID   string     `json:"trace_id"`
	RunID     string     `json:"run_id,omitempty"`
	Payload   string     `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
}

// Events returns the transition history of a task, oldest first.
func (s *Store) Events(ctx context.Context, id string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, event_type, COALESCE(state_from, ''), state_to, trace_id,
			COALESCE(run_id, ''), payload_json, created_at
		FROM task_events WHERE task_id = ? ORDER BY event_id ASC;
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query task events: %w", err)
	}
	defer rows.Close()
	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.EventType, &ev.StateFrom, &ev.StateTo,
			&ev.TraceID, &ev.RunID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func ptr[T any](v T) *T {
	return &v
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func normalizeSet(in []string) []string {
	var out []string
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || slices.Contains(out, v) {
			continue
		}
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}
