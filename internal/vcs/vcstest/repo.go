// Package vcstest builds throwaway git repositories for tests.
package vcstest

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Repo is a working clone of a bare "origin" with one commit on main.
type Repo struct {
	Root   string // parent temp dir
	Remote string // bare repository
	Dir    string // working clone used as the parent repo
}

// RequireGit skips the test when git is unavailable.
func RequireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not on PATH")
	}
}

// New creates a bare remote and a clone with an initial commit pushed to main.
func New(t *testing.T) *Repo {
	t.Helper()
	RequireGit(t)
	root := t.TempDir()
	r := &Repo{
		Root:   root,
		Remote: filepath.Join(root, "origin.git"),
		Dir:    filepath.Join(root, "repo"),
	}
	Git(t, root, "init", "--bare", "--initial-branch=main", r.Remote)
	Git(t, root, "clone", r.Remote, r.Dir)
	Git(t, r.Dir, "checkout", "-B", "main")
	r.Write(t, "README.md", "hello\n")
	r.Write(t, ".gitignore", ".polecat/\n")
	Git(t, r.Dir, "add", "-A")
	Git(t, r.Dir, "commit", "-m", "initial")
	Git(t, r.Dir, "push", "-u", "origin", "main")
	return r
}

// Write creates or replaces a file relative to the clone.
func (r *Repo) Write(t *testing.T, rel, content string) {
	t.Helper()
	WriteFile(t, r.Dir, rel, content)
}

// CommitFile writes a file in dir and commits it.
func CommitFile(t *testing.T, dir, rel, content, msg string) {
	t.Helper()
	WriteFile(t, dir, rel, content)
	Git(t, dir, "add", rel)
	Git(t, dir, "commit", "-m", msg)
}

// WriteFile creates or replaces a file relative to dir.
func WriteFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// Git runs git in dir with a fixed identity and returns trimmed stdout.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		"GIT_CONFIG_GLOBAL=/dev/null", "GIT_CONFIG_NOSYSTEM=1",
	)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
	return strings.TrimSpace(string(out))
}

// RemoteHead returns the commit main points at on the bare remote.
func (r *Repo) RemoteHead(t *testing.T, branch string) string {
	t.Helper()
	return Git(t, r.Remote, "rev-parse", "refs/heads/"+branch)
}

// RemoteHasBranch reports whether the bare remote has branch.
func (r *Repo) RemoteHasBranch(t *testing.T, branch string) bool {
	t.Helper()
	cmd := exec.Command("git", "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	cmd.Dir = r.Remote
	return cmd.Run() == nil
}
