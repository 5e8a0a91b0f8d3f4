package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/basket/polecat/internal/shared"
)

// mirrorLocks serializes mirror and trunk maintenance per project within a
// process. Across processes a mirror is installed by an atomic rename.
type mirrorLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *mirrorLocks) lock(project string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = map[string]*sync.Mutex{}
	}
	mu, ok := l.locks[project]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[project] = mu
	}
	l.mu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Mirror returns the project's bare mirror, cloning it from the remote of
// the configured checkout on first use. The user's checkout is only read.
func (m *Manager) Mirror(ctx context.Context, project string) (string, error) {
	project, proj, err := m.settings.ResolveProject(project)
	if err != nil {
		return "", err
	}
	unlock := m.mirrors.lock(project)
	defer unlock()

	path := m.settings.MirrorPath(project)
	if _, err := os.Stat(path); err == nil {
		bare, err := m.git.IsBare(ctx, path)
		if err != nil || !bare {
			return "", fmt.Errorf("%w: %s is not a bare mirror", ErrDirtyParentState, path)
		}
		return path, nil
	}

	url, err := m.git.RemoteURL(ctx, proj.Path, proj.Remote)
	if err != nil {
		return "", fmt.Errorf("read %s url of %s: %w", proj.Remote, proj.Path, err)
	}
	if isLocalPath(url) && !filepath.IsAbs(url) {
		url = filepath.Join(proj.Path, url)
	}
	tmp := fmt.Sprintf("%s.tmp-%d", path, os.Getpid())
	_ = os.RemoveAll(tmp)
	if err := m.git.CloneBare(ctx, url, tmp, proj.Remote); err != nil {
		_ = os.RemoveAll(tmp)
		return "", fmt.Errorf("clone mirror of %s: %w", project, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.RemoveAll(tmp)
		if _, serr := os.Stat(path); serr == nil {
			return path, nil
		}
		return "", fmt.Errorf("install mirror: %w", err)
	}
	m.logger.Info("mirror created", "project", project, "path", path, "url", shared.Redact(url))
	return path, nil
}

// SyncMirror prunes worktree records whose directories are gone and fetches
// the remote into the project's mirror, creating it first when needed.
func (m *Manager) SyncMirror(ctx context.Context, project string) (string, error) {
	path, err := m.Mirror(ctx, project)
	if err != nil {
		return "", err
	}
	project, proj, _ := m.settings.ResolveProject(project)
	unlock := m.mirrors.lock(project)
	defer unlock()
	if err := m.git.WorktreePrune(ctx, path); err != nil {
		return path, fmt.Errorf("prune worktrees: %w", err)
	}
	if err := m.git.Fetch(ctx, path, proj.Remote); err != nil {
		return path, fmt.Errorf("fetch %s: %w", proj.Remote, err)
	}
	m.logger.Debug("mirror synced", "project", project, "path", path)
	return path, nil
}

// Trunk returns the refinery's trunk checkout of project, a worktree of
// the mirror, rebuilding it when missing or broken.
func (m *Manager) Trunk(ctx context.Context, project string) (string, error) {
	mirror, err := m.Mirror(ctx, project)
	if err != nil {
		return "", err
	}
	project, proj, _ := m.settings.ResolveProject(project)
	unlock := m.mirrors.lock(project)
	defer unlock()

	path := m.settings.TrunkPath(project)
	if top, err := m.git.TopLevel(ctx, path); err == nil && samePath(top, path) {
		return path, nil
	}
	if _, err := os.Stat(path); err == nil {
		m.logger.Warn("removing broken trunk checkout", "path", path)
		if err := os.RemoveAll(path); err != nil {
			return "", fmt.Errorf("remove broken trunk checkout: %w", err)
		}
	}
	if err := m.git.WorktreePrune(ctx, mirror); err != nil {
		return "", fmt.Errorf("prune worktrees: %w", err)
	}
	if err := m.git.Fetch(ctx, mirror, proj.Remote); err != nil {
		return "", fmt.Errorf("fetch %s: %w", proj.Remote, err)
	}
	if err := m.git.WorktreeAddDetached(ctx, mirror, path, proj.Remote+"/"+proj.DefaultBranch); err != nil {
		return "", fmt.Errorf("create trunk checkout: %w", err)
	}
	m.logger.Info("trunk checkout created", "project", project, "path", path)
	return path, nil
}

func (m *Manager) hasMirror(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// isLocalPath reports whether a remote url names a directory rather than a
// URL or an scp-style host:path.
func isLocalPath(url string) bool {
	return !strings.Contains(url, "://") && !strings.Contains(url, ":")
}
