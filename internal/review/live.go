package review

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/basket/polecat/internal/config"
	"github.com/basket/polecat/internal/persistence"
)

// Router is what the refinery consults.
type Router interface {
	Route(task *persistence.Task, touched []string) Decision
	Forced(task *persistence.Task, reason string) Decision
	Fingerprint() string
}

// Live wraps a Table for concurrent use and hot reload.
type Live struct {
	mu   sync.RWMutex
	data *Table
	path string
}

func NewLive(initial *Table, path string) *Live {
	if initial == nil {
		initial = Default()
	}
	return &Live{data: initial, path: path}
}

// LoadLive reads path and wraps the result.
func LoadLive(path string) (*Live, error) {
	t, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewLive(t, path), nil
}

func (l *Live) Route(task *persistence.Task, touched []string) Decision {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.data.Route(task, touched)
}

func (l *Live) Forced(task *persistence.Task, reason string) Decision {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.data.Forced(task, reason)
}

func (l *Live) Fingerprint() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.data.Fingerprint()
}

// Snapshot returns the active table.
func (l *Live) Snapshot() *Table {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.data
}

func (l *Live) Reload(t *Table) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.data = t
}

// ReloadFromFile swaps in the file's table only when it parses and
// validates. On error the previous table stays active.
func (l *Live) ReloadFromFile() error {
	if l == nil {
		return fmt.Errorf("nil live review table")
	}
	t, err := Load(l.path)
	if err != nil {
		return err
	}
	l.Reload(t)
	return nil
}

// Follow reloads the table whenever the watcher reports a change to it,
// until the watcher's channel closes.
func (l *Live) Follow(ctx context.Context, events <-chan config.ReloadEvent, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Path) != filepath.Clean(l.path) {
				continue
			}
			before := l.Fingerprint()
			if err := l.ReloadFromFile(); err != nil {
				logger.Error("review table reload rejected", "path", l.path, "error", err)
				continue
			}
			logger.Info("review table reloaded", "path", l.path, "from", before, "to", l.Fingerprint())
		}
	}
}
