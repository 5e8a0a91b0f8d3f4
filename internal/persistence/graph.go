package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/polecat/internal/bus"
)

// NewTask describes a task to create.
type NewTask struct {
	ID          string
	Title       string
	Description string
	Type        string
	Project     string
	Priority    *int
	DependsOn   []string
	Tags        []string
}

// Create inserts one task. See CreateBatch.
func (s *Store) Create(ctx context.Context, nt NewTask) (*Task, error) {
	tasks, err := s.CreateBatch(ctx, []NewTask{nt})
	if err != nil {
		return nil, err
	}
	return &tasks[0], nil
}

// CreateBatch inserts tasks in one transaction. Dependencies may reference
// existing tasks or tasks earlier or later in the batch. A missing reference
// or a cycle fails the whole batch with ErrInvalidDependency and nothing is
// created.
func (s *Store) CreateBatch(ctx context.Context, batch []NewTask) ([]Task, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	prepared := make([]NewTask, len(batch))
	for i, nt := range batch {
		p, err := prepareNewTask(nt)
		if err != nil {
			return nil, err
		}
		prepared[i] = p
	}

	var created []Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		created = created[:0]
		now := s.now()
		for _, nt := range prepared {
			tags, err := json.Marshal(nonNil(nt.Tags))
			if err != nil {
				return fmt.Errorf("encode tags: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO tasks (id, title, description, type, project, status, priority, tags, available_at, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
			`, nt.ID, nt.Title, nt.Description, nt.Type, nt.Project, StatusUnclaimed, *nt.Priority, string(tags), now, now, now)
			if err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("%w: task %s", ErrAlreadyExists, nt.ID)
				}
				return fmt.Errorf("insert task %s: %w", nt.ID, err)
			}
			if err := s.appendTaskEventTx(ctx, tx, nt.ID, "", StatusUnclaimed, "task.created", map[string]any{"project": nt.Project}); err != nil {
				return err
			}
		}
		for _, nt := range prepared {
			for _, dep := range nt.DependsOn {
				if err := insertDependencyTx(ctx, tx, nt.ID, dep); err != nil {
					return err
				}
			}
		}
		for _, nt := range prepared {
			for _, dep := range nt.DependsOn {
				cyclic, err := wouldCreateCycle(ctx, tx, nt.ID, dep)
				if err != nil {
					return err
				}
				if cyclic {
					return fmt.Errorf("%w: %s -> %s closes a cycle", ErrInvalidDependency, nt.ID, dep)
				}
			}
		}
		for _, nt := range prepared {
			task, err := getTask(ctx, tx, nt.ID)
			if err != nil {
				return err
			}
			created = append(created, *task)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, t := range created {
		s.publishState(bus.TaskStateChangedEvent{TaskID: t.ID, NewStatus: string(t.Status), EventType: "task.created"})
	}
	return created, nil
}

func prepareNewTask(nt NewTask) (NewTask, error) {
	nt.Project = strings.TrimSpace(nt.Project)
	if nt.Project == "" {
		return nt, fmt.Errorf("%w: project is required", ErrInvalidTask)
	}
	if nt.ID == "" {
		nt.ID = NewTaskID(nt.Project)
	}
	if err := ValidateTaskID(nt.ID); err != nil {
		return nt, err
	}
	if nt.Type == "" {
		nt.Type = "task"
	}
	if nt.Priority == nil {
		nt.Priority = ptr(DefaultPriority)
	}
	if *nt.Priority < MinPriority || *nt.Priority > MaxPriority {
		return nt, fmt.Errorf("%w: priority %d outside %d..%d", ErrInvalidTask, *nt.Priority, MinPriority, MaxPriority)
	}
	nt.Tags = normalizeSet(nt.Tags)
	nt.DependsOn = normalizeSet(nt.DependsOn)
	for _, dep := range nt.DependsOn {
		if dep == nt.ID {
			return nt, fmt.Errorf("%w: %s depends on itself", ErrInvalidDependency, nt.ID)
		}
	}
	return nt, nil
}

func insertDependencyTx(ctx context.Context, tx *sql.Tx, taskID, dependsOn string) error {
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?;`, dependsOn).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s references missing task %s", ErrInvalidDependency, taskID, dependsOn)
		}
		return fmt.Errorf("check dependency %s: %w", dependsOn, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO task_dependencies (task_id, depends_on) VALUES (?, ?);
	`, taskID, dependsOn); err != nil {
		return fmt.Errorf("insert dependency %s -> %s: %w", taskID, dependsOn, err)
	}
	return nil
}

// wouldCreateCycle reports whether taskID is reachable from dependsOnID by
// following depends_on edges, i.e. whether the edge taskID -> dependsOnID
// closes a cycle.
func wouldCreateCycle(ctx context.Context, tx *sql.Tx, taskID, dependsOnID string) (bool, error) {
	visited := make(map[string]bool)
	queue := []string{dependsOnID}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if current == taskID {
			return true, nil
		}
		if visited[current] {
			continue
		}
		visited[current] = true

		next, err := loadDependencies(ctx, tx, current)
		if err != nil {
			return false, err
		}
		for _, n := range next {
			if !visited[n] {
				queue = append(queue, n)
			}
		}
	}
	return false, nil
}

// AddDependency makes taskID wait on dependsOnID. Only tasks that are not yet
// being worked may gain dependencies.
func (s *Store) AddDependency(ctx context.Context, taskID, dependsOnID string) error {
	if taskID == dependsOnID {
		return fmt.Errorf("%w: %s depends on itself", ErrInvalidDependency, taskID)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		task, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Status != StatusUnclaimed && task.Status != StatusBlocked {
			return fmt.Errorf("%w: %s is %s", ErrInvalidDependency, taskID, task.Status)
		}
		if err := insertDependencyTx(ctx, tx, taskID, dependsOnID); err != nil {
			return err
		}
		cyclic, err := wouldCreateCycle(ctx, tx, taskID, dependsOnID)
		if err != nil {
			return err
		}
		if cyclic {
			return fmt.Errorf("%w: %s -> %s closes a cycle", ErrInvalidDependency, taskID, dependsOnID)
		}
		return s.appendTaskEventTx(ctx, tx, taskID, task.Status, task.Status, "task.dependency_added", map[string]any{"depends_on": dependsOnID})
	})
}
