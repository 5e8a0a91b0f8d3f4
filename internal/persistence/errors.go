package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the requested task or attempt does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidDependency indicates a missing reference or a dependency cycle.
	ErrInvalidDependency = errors.New("invalid dependency")

	// ErrInvalidTransition indicates a status change outside the allowed edges.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrDependenciesUnmet indicates a task was started before its
	// dependencies reached done.
	ErrDependenciesUnmet = errors.New("dependencies not done")

	// ErrClaimConflict indicates the task is held by another caller, or the
	// compare-and-set on a claim lost.
	ErrClaimConflict = errors.New("claim conflict")

	// ErrNotAssignee indicates an owner-guarded update from a caller that no
	// longer holds the task.
	ErrNotAssignee = errors.New("caller is not the assignee")

	// ErrIntegrationInFlight indicates another integration attempt is pending.
	ErrIntegrationInFlight = errors.New("integration attempt already in flight")

	// ErrLeaseHeld indicates another live process holds the refinery lease.
	ErrLeaseHeld = errors.New("refinery lease held by another process")

	// ErrInvalidTask indicates malformed task fields.
	ErrInvalidTask = errors.New("invalid task")

	// ErrAlreadyExists indicates a task id collision on create.
	ErrAlreadyExists = errors.New("already exists")
)

// wrapDBError wraps err with op, mapping sql.ErrNoRows to ErrNotFound.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
