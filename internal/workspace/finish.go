package workspace

import (
	"context"
	"fmt"
	"os"

	"github.com/basket/polecat/internal/config"
	"github.com/basket/polecat/internal/persistence"
	"github.com/basket/polecat/internal/vcs"
)

type FinishOptions struct {
	Push bool
	Nuke bool
	// Force skips the large change-set safeguard.
	Force bool
	// Caller, when set, must be the task's assignee.
	Caller string
}

type FinishResult struct {
	Task         *persistence.Task
	Workspace    *Workspace
	ChangedFiles []string
	Committed    string
	Pushed       bool
	Reclaimed    bool
}

// Finish submits a task's branch for review: apply the dirty policy, push the
// branch, and move the task to review. With Nuke the workspace is reclaimed
// afterwards.
func (m *Manager) Finish(ctx context.Context, taskID string, opts FinishOptions) (*FinishResult, error) {
	task, err := m.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != persistence.StatusInProgress {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotInProgress, taskID, task.Status)
	}
	if opts.Caller != "" && task.Assignee != opts.Caller {
		return nil, fmt.Errorf("%w: %s is held by %s", persistence.ErrNotAssignee, taskID, task.Assignee)
	}
	project, proj, err := m.settings.ResolveProject(task.Project)
	if err != nil {
		return nil, err
	}
	ws := m.describe(project, proj, taskID)
	ws.Task = task
	if _, err := os.Stat(ws.Path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoWorkspace, ws.Path)
	}
	log := m.logger.With("task_id", taskID, "path", ws.Path)

	branch, err := m.git.CurrentBranch(ctx, ws.Path)
	if err != nil {
		return nil, fmt.Errorf("read workspace branch: %w", err)
	}
	if isProtected(branch, proj) || branch != ws.Branch {
		return nil, fmt.Errorf("%w: workspace is on %q", ErrProtectedBranch, branch)
	}

	res := &FinishResult{Workspace: ws}
	dirty, err := m.git.HasUncommitted(ctx, ws.Path)
	if err != nil {
		return nil, fmt.Errorf("inspect workspace: %w", err)
	}
	if dirty {
		switch m.settings.Finish.DirtyPolicy {
		case config.DirtyCommit:
			msg := fmt.Sprintf("%s (%s)", task.Title, task.ID)
			if task.Title == "" {
				msg = "polecat: finish " + task.ID
			}
			sha, err := m.git.CommitAll(ctx, ws.Path, msg, m.identity())
			if err != nil {
				return nil, fmt.Errorf("commit pending changes: %w", err)
			}
			res.Committed = sha
			log.Info("committed pending changes", "commit", sha)
		case config.DirtyWarn:
			log.Warn("finishing with uncommitted changes; they will not be submitted")
		default:
			return nil, fmt.Errorf("%w: %s", ErrDirtyWorkspace, ws.Path)
		}
	}

	files, err := m.git.ChangedFiles(ctx, ws.Path, m.trunkRef(ctx, ws), "HEAD")
	if err != nil {
		return nil, fmt.Errorf("list changed files: %w", err)
	}
	res.ChangedFiles = files
	if limit := m.settings.Finish.LargeChangesetFiles; limit > 0 && len(files) > limit && !opts.Force {
		return res, fmt.Errorf("%w: %d files changed (limit %d)", ErrLargeChangeset, len(files), limit)
	}

	if opts.Push {
		err := m.git.Push(ctx, ws.Path, ws.Remote, ws.Branch, vcs.PushOptions{SetUpstream: true, ForceWithLease: true})
		if err != nil {
			return res, fmt.Errorf("push %s: %w", ws.Branch, err)
		}
		res.Pushed = true
	}

	branchName := ws.Branch
	updated, err := m.store.Transition(ctx, taskID, persistence.TaskUpdate{
		Status:         ptr(persistence.StatusReview),
		BranchName:     &branchName,
		ReviewDecision: ptr(""),
		ExpectAssignee: task.Assignee,
		Reason:         "finished",
	}, "task.finished", nil)
	if err != nil {
		return res, err
	}
	res.Task = updated
	log.Info("task submitted for review", "files", len(files), "pushed", res.Pushed)

	if opts.Nuke {
		res.Reclaimed = m.Reclaim(ctx, taskID)
	}
	return res, nil
}

func (m *Manager) trunkRef(ctx context.Context, ws *Workspace) string {
	remoteTrunk := ws.Remote + "/" + ws.Trunk
	if _, err := m.git.RevParse(ctx, ws.Path, remoteTrunk); err == nil {
		return remoteTrunk
	}
	return ws.Trunk
}

func (m *Manager) identity() vcs.Identity {
	return vcs.Identity{Name: m.settings.GitIdentity.Name, Email: m.settings.GitIdentity.Email}
}

func isProtected(branch string, proj config.ProjectConfig) bool {
	switch branch {
	case "", "HEAD", "main", "master", "develop", proj.DefaultBranch:
		return true
	}
	return false
}

func ptr[T any](v T) *T {
	return &v
}
