// Package workspace manages the isolated git worktree each task is worked in.
// A workspace lives at <workspace_root>/<project>/<task_id> on branch
// polecat/<task_id>; both are pure functions of the task. Worktrees hang off
// a bare mirror of each project so the user's own checkout is never touched.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/basket/polecat/internal/config"
	"github.com/basket/polecat/internal/persistence"
	"github.com/basket/polecat/internal/vcs"
)

const BranchPrefix = "polecat/"

var (
	ErrUnknownProject   = config.ErrUnknownProject
	ErrDirtyParentState = errors.New("parent repository is in an unexpected state")
	ErrDirtyWorkspace   = errors.New("workspace has uncommitted changes")
	ErrUnmergedBranch   = errors.New("branch has commits not on trunk")
	ErrNoWorkspace      = errors.New("no workspace for task")
	ErrLargeChangeset   = errors.New("change set is unusually large")
	ErrProtectedBranch  = errors.New("refusing to push a protected branch")
	ErrNotInProgress    = errors.New("task is not in progress")
)

type State string

const (
	StateActive   State = "active"
	StateFinished State = "finished"
	// StateOrphaned marks a directory whose task is closed or missing.
	StateOrphaned State = "orphaned"
)

type Workspace struct {
	TaskID     string
	Project    string
	Path       string
	ParentRepo string
	Branch     string
	Trunk      string
	Remote     string
	State      State
	Dirty      bool
	Task       *persistence.Task
}

// PathFor returns the workspace directory of a task.
func PathFor(root, project, taskID string) string {
	return filepath.Join(root, project, taskID)
}

// BranchFor returns the branch a task's work is committed on.
func BranchFor(taskID string) string {
	return BranchPrefix + taskID
}

type Config struct {
	Store    *persistence.Store
	Git      vcs.Git
	Settings config.Config
	Logger   *slog.Logger
}

type Manager struct {
	store    *persistence.Store
	git      vcs.Git
	settings config.Config
	logger   *slog.Logger
	mirrors  mirrorLocks
}

func New(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    cfg.Store,
		git:      cfg.Git,
		settings: cfg.Settings,
		logger:   logger,
	}
}

// Root is the directory all workspaces live under.
func (m *Manager) Root() string {
	return m.settings.WorkspaceRoot
}

func (m *Manager) describe(project string, proj config.ProjectConfig, taskID string) *Workspace {
	return &Workspace{
		TaskID:     taskID,
		Project:    project,
		Path:       PathFor(m.settings.WorkspaceRoot, project, taskID),
		ParentRepo: m.settings.MirrorPath(project),
		Branch:     BranchFor(taskID),
		Trunk:      proj.DefaultBranch,
		Remote:     proj.Remote,
	}
}

// Setup creates the worktree for a claimed task. It is idempotent: a valid
// worktree on the task branch is returned as-is, a broken one is rebuilt.
func (m *Manager) Setup(ctx context.Context, task *persistence.Task) (*Workspace, error) {
	if err := persistence.ValidateTaskID(task.ID); err != nil {
		return nil, err
	}
	project, proj, err := m.settings.ResolveProject(task.Project)
	if err != nil {
		return nil, err
	}
	ws := m.describe(project, proj, task.ID)
	ws.Task = task
	log := m.logger.With("task_id", task.ID, "path", ws.Path)

	if _, err := m.Mirror(ctx, project); err != nil {
		return nil, err
	}

	if m.validWorktree(ctx, ws) {
		log.Debug("workspace already set up")
		ws.State = StateActive
		return ws, m.recordBranch(ctx, task, ws.Branch)
	}

	if _, err := os.Stat(ws.Path); err == nil {
		log.Warn("removing broken workspace")
		if err := os.RemoveAll(ws.Path); err != nil {
			return nil, fmt.Errorf("remove broken workspace: %w", err)
		}
	}
	if err := m.git.WorktreePrune(ctx, ws.ParentRepo); err != nil {
		return nil, fmt.Errorf("prune worktrees: %w", err)
	}
	exists, err := m.git.BranchExists(ctx, ws.ParentRepo, ws.Branch)
	if err != nil {
		return nil, err
	}
	if exists {
		log.Info("deleting stale branch", "branch", ws.Branch)
		if err := m.git.DeleteBranch(ctx, ws.ParentRepo, ws.Branch); err != nil {
			return nil, fmt.Errorf("delete stale branch: %w", err)
		}
	}

	base := m.baseRef(ctx, ws)
	if err := m.git.WorktreeAdd(ctx, ws.ParentRepo, ws.Path, ws.Branch, base); err != nil {
		return nil, fmt.Errorf("create worktree: %w", err)
	}
	log.Info("workspace created", "branch", ws.Branch, "base", base)
	ws.State = StateActive
	return ws, m.recordBranch(ctx, task, ws.Branch)
}

func (m *Manager) validWorktree(ctx context.Context, ws *Workspace) bool {
	if _, err := os.Stat(ws.Path); err != nil {
		return false
	}
	top, err := m.git.TopLevel(ctx, ws.Path)
	if err != nil || !samePath(top, ws.Path) {
		return false
	}
	branch, err := m.git.CurrentBranch(ctx, ws.Path)
	return err == nil && branch == ws.Branch
}

// baseRef picks where a new worktree starts: the pushed task branch when one
// exists, so kicked-back work resumes, otherwise trunk.
func (m *Manager) baseRef(ctx context.Context, ws *Workspace) string {
	if err := m.git.Fetch(ctx, ws.ParentRepo, ws.Remote); err != nil {
		m.logger.Warn("fetch failed; using mirror state", "repo", ws.ParentRepo, "error", err)
		return ws.Trunk
	}
	if ok, err := m.git.RemoteBranchExists(ctx, ws.ParentRepo, ws.Remote, ws.Branch); err == nil && ok {
		return ws.Remote + "/" + ws.Branch
	}
	remoteTrunk := ws.Remote + "/" + ws.Trunk
	if _, err := m.git.RevParse(ctx, ws.ParentRepo, remoteTrunk); err == nil {
		return remoteTrunk
	}
	return ws.Trunk
}

func (m *Manager) recordBranch(ctx context.Context, task *persistence.Task, branch string) error {
	if task.BranchName == branch {
		return nil
	}
	updated, err := m.store.Update(ctx, task.ID, persistence.TaskUpdate{
		BranchName:     &branch,
		ExpectAssignee: task.Assignee,
	})
	if err != nil {
		return fmt.Errorf("record branch: %w", err)
	}
	*task = *updated
	return nil
}

// Reclaim removes a task's worktree and local branch. It never fails: a
// missing workspace is a no-op and git errors are logged. It reports whether
// a directory was removed.
func (m *Manager) Reclaim(ctx context.Context, taskID string) bool {
	log := m.logger.With("task_id", taskID)
	ws := m.locate(ctx, taskID)
	if ws == nil {
		log.Debug("reclaim: no workspace")
		return false
	}
	removed := false
	if _, err := os.Stat(ws.Path); err == nil {
		removed = true
		if m.hasMirror(ws.ParentRepo) {
			if err := m.git.WorktreeRemove(ctx, ws.ParentRepo, ws.Path); err != nil {
				log.Warn("worktree remove failed", "error", err)
			}
		}
		if err := os.RemoveAll(ws.Path); err != nil {
			log.Error("remove workspace directory", "path", ws.Path, "error", err)
		}
	}
	if m.hasMirror(ws.ParentRepo) {
		if err := m.git.WorktreePrune(ctx, ws.ParentRepo); err != nil {
			log.Warn("worktree prune failed", "error", err)
		}
		if ok, err := m.git.BranchExists(ctx, ws.ParentRepo, ws.Branch); err == nil && ok {
			if err := m.git.DeleteBranch(ctx, ws.ParentRepo, ws.Branch); err != nil {
				log.Warn("delete branch failed", "branch", ws.Branch, "error", err)
			}
		}
	}
	if removed {
		log.Info("workspace reclaimed", "path", ws.Path)
	}
	return removed
}

// locate finds a task's workspace from its row, falling back to a scan of
// the workspace root when the task or its project is gone.
func (m *Manager) locate(ctx context.Context, taskID string) *Workspace {
	if task, err := m.store.Get(ctx, taskID); err == nil {
		if project, proj, err := m.settings.ResolveProject(task.Project); err == nil {
			ws := m.describe(project, proj, taskID)
			ws.Task = task
			return ws
		}
	}
	matches, _ := filepath.Glob(filepath.Join(m.settings.WorkspaceRoot, "*", taskID))
	if len(matches) == 0 {
		return nil
	}
	project := filepath.Base(filepath.Dir(matches[0]))
	ws := &Workspace{TaskID: taskID, Project: project, Path: matches[0], Branch: BranchFor(taskID)}
	if p, ok := m.settings.Projects[project]; ok {
		ws.ParentRepo, ws.Trunk, ws.Remote = m.settings.MirrorPath(project), p.DefaultBranch, p.Remote
	}
	return ws
}

// Nuke reclaims a workspace without touching the task's status. Uncommitted
// work and branch commits missing from trunk are refused unless force is set.
func (m *Manager) Nuke(ctx context.Context, taskID string, force bool) (bool, error) {
	ws := m.locate(ctx, taskID)
	if ws == nil {
		return false, nil
	}
	if !force {
		if _, err := os.Stat(ws.Path); err == nil {
			dirty, err := m.git.HasUncommitted(ctx, ws.Path)
			if err != nil {
				return false, fmt.Errorf("inspect workspace: %w", err)
			}
			if dirty {
				return false, fmt.Errorf("%w: %s", ErrDirtyWorkspace, ws.Path)
			}
		}
		ahead, err := m.unmerged(ctx, ws)
		if err != nil {
			return false, fmt.Errorf("inspect branch: %w", err)
		}
		if ahead > 0 {
			return false, fmt.Errorf("%w: %s is %d commit(s) ahead of %s", ErrUnmergedBranch, ws.Branch, ahead, ws.Trunk)
		}
	}
	return m.Reclaim(ctx, taskID), nil
}

// unmerged counts commits on the task branch that trunk lacks. A task whose
// squash merge is recorded counts as merged, since squashing rewrites them.
func (m *Manager) unmerged(ctx context.Context, ws *Workspace) (int, error) {
	if ws.Task != nil && ws.Task.Status == persistence.StatusDone && ws.Task.MergeCommit != "" {
		return 0, nil
	}
	if !m.hasMirror(ws.ParentRepo) || ws.Trunk == "" {
		return 0, nil
	}
	ok, err := m.git.BranchExists(ctx, ws.ParentRepo, ws.Branch)
	if err != nil || !ok {
		return 0, err
	}
	trunk := ws.Trunk
	if ws.Remote != "" {
		if _, err := m.git.RevParse(ctx, ws.ParentRepo, ws.Remote+"/"+ws.Trunk); err == nil {
			trunk = ws.Remote + "/" + ws.Trunk
		}
	}
	return m.git.CommitsBetween(ctx, ws.ParentRepo, trunk, ws.Branch)
}

// Start claims the next ready task for caller and sets up its workspace. A
// setup failure returns the task to the pool with a report.
func (m *Manager) Start(ctx context.Context, caller string, projects ...string) (*Workspace, error) {
	task, err := m.store.Claim(ctx, caller, projects...)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, nil
	}
	ws, err := m.Setup(ctx, task)
	if err != nil {
		m.releaseAfterSetupFailure(ctx, task, err)
		return nil, err
	}
	return ws, nil
}

// Checkout resumes a task the caller holds or may take over, and ensures its
// workspace exists.
func (m *Manager) Checkout(ctx context.Context, taskID, caller string) (*Workspace, error) {
	task, err := m.store.ClaimByID(ctx, taskID, caller)
	if err != nil {
		return nil, err
	}
	return m.Setup(ctx, task)
}

func (m *Manager) releaseAfterSetupFailure(ctx context.Context, task *persistence.Task, cause error) {
	_, err := m.store.Requeue(ctx, task.ID, persistence.RequeueOptions{
		ExpectAssignee: task.Assignee,
		Reason:         persistence.ReportSetupFailure,
		Report: &persistence.Report{
			Kind:    persistence.ReportSetupFailure,
			Summary: cause.Error(),
			Detail:  map[string]any{"project": task.Project},
		},
	})
	if err != nil {
		m.logger.Error("requeue after setup failure", "task_id", task.ID, "error", err)
	}
}

// List returns every workspace directory under the root joined with its
// task, sorted by project then task id.
func (m *Manager) List(ctx context.Context) ([]Workspace, error) {
	projects, err := os.ReadDir(m.settings.WorkspaceRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Workspace
	for _, pd := range projects {
		if !pd.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(m.settings.WorkspaceRoot, pd.Name()))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			ws := Workspace{
				TaskID:  e.Name(),
				Project: pd.Name(),
				Path:    filepath.Join(m.settings.WorkspaceRoot, pd.Name(), e.Name()),
				Branch:  BranchFor(e.Name()),
				State:   StateOrphaned,
			}
			if p, ok := m.settings.Projects[pd.Name()]; ok {
				ws.ParentRepo, ws.Trunk, ws.Remote = m.settings.MirrorPath(pd.Name()), p.DefaultBranch, p.Remote
			}
			task, err := m.store.Get(ctx, ws.TaskID)
			switch {
			case errors.Is(err, persistence.ErrNotFound):
			case err != nil:
				return nil, err
			default:
				ws.Task = task
				ws.State = stateFor(task.Status)
			}
			if dirty, err := m.git.HasUncommitted(ctx, ws.Path); err == nil {
				ws.Dirty = dirty
			}
			out = append(out, ws)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Project != out[j].Project {
			return out[i].Project < out[j].Project
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out, nil
}

func stateFor(st persistence.TaskStatus) State {
	switch st {
	case persistence.StatusInProgress, persistence.StatusUnclaimed:
		return StateActive
	case persistence.StatusReview, persistence.StatusMergeReady, persistence.StatusBlocked:
		return StateFinished
	default:
		return StateOrphaned
	}
}

// TaskForDir returns the id of the workspace containing dir.
func (m *Manager) TaskForDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	abs = resolve(abs)
	root := resolve(m.settings.WorkspaceRoot)
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %s is not inside %s", ErrNoWorkspace, dir, m.settings.WorkspaceRoot)
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) < 2 {
		return "", fmt.Errorf("%w: %s is not inside a task workspace", ErrNoWorkspace, dir)
	}
	return parts[1], nil
}

func resolve(p string) string {
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return r
	}
	return filepath.Clean(p)
}

func samePath(a, b string) bool {
	return resolve(a) == resolve(b)
}
