// Package vcs wraps the git operations the workspace manager and refinery
// depend on. The CLI implementation shells out to the git binary.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/basket/polecat/internal/shared"
)

// Identity is the author/committer used for commits made by polecat.
type Identity struct {
	Name  string
	Email string
}

// PushOptions tune Push.
type PushOptions struct {
	SetUpstream    bool
	ForceWithLease bool
}

// Git is the version-control capability the core invokes.
type Git interface {
	// Status
	IsDirty(ctx context.Context, dir string) (bool, error)
	HasUncommitted(ctx context.Context, dir string) (bool, error)
	CurrentBranch(ctx context.Context, dir string) (string, error)
	RevParse(ctx context.Context, dir, ref string) (string, error)
	IsAncestor(ctx context.Context, dir, commit, ref string) (bool, error)
	ChangedFiles(ctx context.Context, dir, base, head string) ([]string, error)
	UnpushedCommits(ctx context.Context, dir, remote, branch string) (int, error)
	CommitsBetween(ctx context.Context, dir, base, head string) (int, error)
	TopLevel(ctx context.Context, dir string) (string, error)
	IsBare(ctx context.Context, dir string) (bool, error)

	// Mirrors
	CloneBare(ctx context.Context, url, dest, remote string) error
	RemoteURL(ctx context.Context, repo, remote string) (string, error)
	SetConfig(ctx context.Context, repo, key, value string) error

	// Worktrees and branches
	WorktreeAdd(ctx context.Context, repo, path, branch, base string) error
	WorktreeAddDetached(ctx context.Context, repo, path, ref string) error
	WorktreeRemove(ctx context.Context, repo, path string) error
	WorktreePrune(ctx context.Context, repo string) error
	BranchExists(ctx context.Context, repo, branch string) (bool, error)
	DeleteBranch(ctx context.Context, repo, branch string) error

	// Remote
	Fetch(ctx context.Context, repo, remote string) error
	Push(ctx context.Context, dir, remote, refspec string, opts PushOptions) error
	DeleteRemoteBranch(ctx context.Context, repo, remote, branch string) error
	RemoteBranchExists(ctx context.Context, repo, remote, branch string) (bool, error)

	// Trunk mutation
	Checkout(ctx context.Context, repo, ref string) error
	MergeSquash(ctx context.Context, repo, ref string) error
	Rebase(ctx context.Context, dir, onto string) error
	CommitAll(ctx context.Context, dir, message string, who Identity) (string, error)
	Commit(ctx context.Context, dir, message string, who Identity) (string, error)
	Revert(ctx context.Context, dir, commit string, who Identity) (string, error)
	ResetHard(ctx context.Context, dir, ref string) error
}

// CommandError is a failed git invocation.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git %s: exit %d: %s", strings.Join(e.Args, " "), e.ExitCode, shared.Redact(strings.TrimSpace(e.Stderr)))
}

// ConflictError reports a merge or rebase that stopped on conflicts. The
// operation has been aborted by the time it is returned.
type ConflictError struct {
	Op    string
	Files []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict in %d file(s): %s", e.Op, len(e.Files), strings.Join(e.Files, ", "))
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// CLI runs the git binary. Identity, when set, is used for every command
// that creates commits, including rebases.
type CLI struct {
	Binary   string
	Identity Identity
	Logger   *slog.Logger
}

// NewCLI returns a CLI using git from PATH.
func NewCLI(who Identity, logger *slog.Logger) *CLI {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLI{Binary: "git", Identity: who, Logger: logger}
}

var _ Git = (*CLI)(nil)

func (g *CLI) run(ctx context.Context, dir string, args ...string) (string, error) {
	return g.runEnv(ctx, dir, nil, args...)
}

func (g *CLI) runEnv(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	bin := g.Binary
	if bin == "" {
		bin = "git"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	cmd.Env = append(cmd.Env, identityEnv(g.Identity)...)
	cmd.Env = append(cmd.Env, env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if g.Logger != nil {
		g.Logger.Debug("git", "dir", dir, "args", strings.Join(args, " "), "err", err)
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		msg := stderr.String()
		if strings.TrimSpace(msg) == "" {
			msg = stdout.String()
		}
		return stdout.String(), &CommandError{Args: args, ExitCode: code, Stderr: msg}
	}
	return stdout.String(), nil
}

func identityEnv(who Identity) []string {
	var env []string
	if who.Name != "" {
		env = append(env, "GIT_AUTHOR_NAME="+who.Name, "GIT_COMMITTER_NAME="+who.Name)
	}
	if who.Email != "" {
		env = append(env, "GIT_AUTHOR_EMAIL="+who.Email, "GIT_COMMITTER_EMAIL="+who.Email)
	}
	return env
}

func lines(out string) []string {
	var res []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			res = append(res, l)
		}
	}
	return res
}

// IsDirty reports modifications to tracked files, staged or not.
func (g *CLI) IsDirty(ctx context.Context, dir string) (bool, error) {
	out, err := g.run(ctx, dir, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

// HasUncommitted reports tracked modifications or untracked files.
func (g *CLI) HasUncommitted(ctx context.Context, dir string) (bool, error) {
	out, err := g.run(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

func (g *CLI) CurrentBranch(ctx context.Context, dir string) (string, error) {
	out, err := g.run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *CLI) RevParse(ctx context.Context, dir, ref string) (string, error) {
	out, err := g.run(ctx, dir, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *CLI) IsAncestor(ctx context.Context, dir, commit, ref string) (bool, error) {
	_, err := g.run(ctx, dir, "merge-base", "--is-ancestor", commit, ref)
	if err == nil {
		return true, nil
	}
	var ce *CommandError
	if errors.As(err, &ce) && ce.ExitCode == 1 {
		return false, nil
	}
	return false, err
}

// ChangedFiles lists files that differ between the merge base of base and
// head, and head.
func (g *CLI) ChangedFiles(ctx context.Context, dir, base, head string) ([]string, error) {
	out, err := g.run(ctx, dir, "diff", "--name-only", base+"..."+head)
	if err != nil {
		return nil, err
	}
	return lines(out), nil
}

func (g *CLI) UnpushedCommits(ctx context.Context, dir, remote, branch string) (int, error) {
	return g.CommitsBetween(ctx, dir, remote+"/"+branch, branch)
}

// CommitsBetween counts commits reachable from head but not from base.
func (g *CLI) CommitsBetween(ctx context.Context, dir, base, head string) (int, error) {
	out, err := g.run(ctx, dir, "rev-list", "--count", base+".."+head)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse rev-list count %q: %w", out, err)
	}
	return n, nil
}

func (g *CLI) IsBare(ctx context.Context, dir string) (bool, error) {
	out, err := g.run(ctx, dir, "rev-parse", "--is-bare-repository")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "true", nil
}

// CloneBare clones url into dest without a working tree, naming the remote
// remote and tracking its branches under refs/remotes/<remote>/.
func (g *CLI) CloneBare(ctx context.Context, url, dest, remote string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create mirror parent: %w", err)
	}
	if _, err := g.run(ctx, filepath.Dir(dest), "clone", "--bare", "--origin", remote, url, dest); err != nil {
		return err
	}
	if err := g.SetConfig(ctx, dest, "remote."+remote+".fetch", "+refs/heads/*:refs/remotes/"+remote+"/*"); err != nil {
		return err
	}
	return g.Fetch(ctx, dest, remote)
}

func (g *CLI) RemoteURL(ctx context.Context, repo, remote string) (string, error) {
	out, err := g.run(ctx, repo, "remote", "get-url", remote)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (g *CLI) SetConfig(ctx context.Context, repo, key, value string) error {
	_, err := g.run(ctx, repo, "config", key, value)
	return err
}

func (g *CLI) TopLevel(ctx context.Context, dir string) (string, error) {
	out, err := g.run(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", err
	}
	return filepath.Clean(strings.TrimSpace(out)), nil
}

// WorktreeAdd creates path on a new branch starting at base.
func (g *CLI) WorktreeAdd(ctx context.Context, repo, path, branch, base string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create worktree parent: %w", err)
	}
	_, err := g.run(ctx, repo, "worktree", "add", "-b", branch, path, base)
	return err
}

// WorktreeAddDetached checks out ref at path with a detached HEAD.
func (g *CLI) WorktreeAddDetached(ctx context.Context, repo, path, ref string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create worktree parent: %w", err)
	}
	_, err := g.run(ctx, repo, "worktree", "add", "--detach", path, ref)
	return err
}

func (g *CLI) WorktreeRemove(ctx context.Context, repo, path string) error {
	_, err := g.run(ctx, repo, "worktree", "remove", "--force", path)
	return err
}

func (g *CLI) WorktreePrune(ctx context.Context, repo string) error {
	_, err := g.run(ctx, repo, "worktree", "prune")
	return err
}

func (g *CLI) BranchExists(ctx context.Context, repo, branch string) (bool, error) {
	_, err := g.run(ctx, repo, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	var ce *CommandError
	if errors.As(err, &ce) && ce.ExitCode == 1 {
		return false, nil
	}
	return false, err
}

func (g *CLI) DeleteBranch(ctx context.Context, repo, branch string) error {
	_, err := g.run(ctx, repo, "branch", "-D", branch)
	return err
}

func (g *CLI) Fetch(ctx context.Context, repo, remote string) error {
	_, err := g.run(ctx, repo, "fetch", "--prune", remote)
	return err
}

func (g *CLI) Push(ctx context.Context, dir, remote, refspec string, opts PushOptions) error {
	args := []string{"push"}
	if opts.SetUpstream {
		args = append(args, "-u")
	}
	if opts.ForceWithLease {
		args = append(args, "--force-with-lease")
	}
	args = append(args, remote, refspec)
	_, err := g.run(ctx, dir, args...)
	return err
}

func (g *CLI) DeleteRemoteBranch(ctx context.Context, repo, remote, branch string) error {
	_, err := g.run(ctx, repo, "push", remote, "--delete", branch)
	return err
}

func (g *CLI) RemoteBranchExists(ctx context.Context, repo, remote, branch string) (bool, error) {
	_, err := g.run(ctx, repo, "show-ref", "--verify", "--quiet", "refs/remotes/"+remote+"/"+branch)
	if err == nil {
		return true, nil
	}
	var ce *CommandError
	if errors.As(err, &ce) && ce.ExitCode == 1 {
		return false, nil
	}
	return false, err
}

func (g *CLI) Checkout(ctx context.Context, repo, ref string) error {
	_, err := g.run(ctx, repo, "checkout", ref)
	return err
}

// MergeSquash stages ref squashed onto HEAD without committing. On conflict
// the index and worktree are reset to HEAD and a ConflictError is returned.
func (g *CLI) MergeSquash(ctx context.Context, repo, ref string) error {
	_, err := g.run(ctx, repo, "merge", "--squash", ref)
	if err == nil {
		return nil
	}
	files, ferr := g.conflictFiles(ctx, repo)
	if ferr == nil && len(files) > 0 {
		if _, rerr := g.run(ctx, repo, "reset", "--hard", "HEAD"); rerr != nil {
			return fmt.Errorf("reset after squash conflict: %w", rerr)
		}
		return &ConflictError{Op: "merge", Files: files}
	}
	return err
}

// Rebase rebases the branch checked out in dir onto onto. Conflicts abort the
// rebase and return a ConflictError.
func (g *CLI) Rebase(ctx context.Context, dir, onto string) error {
	_, err := g.run(ctx, dir, "rebase", onto)
	if err == nil {
		return nil
	}
	files, _ := g.conflictFiles(ctx, dir)
	if _, aerr := g.run(ctx, dir, "rebase", "--abort"); aerr != nil && g.Logger != nil {
		g.Logger.Warn("rebase abort failed", "dir", dir, "error", aerr)
	}
	if len(files) > 0 {
		return &ConflictError{Op: "rebase", Files: files}
	}
	return err
}

func (g *CLI) conflictFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := g.run(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return lines(out), nil
}

// CommitAll stages everything, including untracked files, and commits.
func (g *CLI) CommitAll(ctx context.Context, dir, message string, who Identity) (string, error) {
	if _, err := g.run(ctx, dir, "add", "-A"); err != nil {
		return "", err
	}
	return g.Commit(ctx, dir, message, who)
}

// Commit commits the index and returns the new HEAD.
func (g *CLI) Commit(ctx context.Context, dir, message string, who Identity) (string, error) {
	if _, err := g.runEnv(ctx, dir, identityEnv(who), "commit", "--no-verify", "-m", message); err != nil {
		return "", err
	}
	return g.RevParse(ctx, dir, "HEAD")
}

// Revert creates a commit undoing commit on the current branch.
func (g *CLI) Revert(ctx context.Context, dir, commit string, who Identity) (string, error) {
	if _, err := g.runEnv(ctx, dir, identityEnv(who), "revert", "--no-edit", commit); err != nil {
		files, _ := g.conflictFiles(ctx, dir)
		_, _ = g.run(ctx, dir, "revert", "--abort")
		if len(files) > 0 {
			return "", &ConflictError{Op: "revert", Files: files}
		}
		return "", err
	}
	return g.RevParse(ctx, dir, "HEAD")
}

func (g *CLI) ResetHard(ctx context.Context, dir, ref string) error {
	_, err := g.run(ctx, dir, "reset", "--hard", ref)
	return err
}
