package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports edits to polecat.yaml and the review table.
type Watcher struct {
	files  map[string]bool
	dirs   []string
	logger *slog.Logger
	events chan ReloadEvent
}

func NewWatcher(cfg Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		files:  make(map[string]bool),
		logger: logger,
		events: make(chan ReloadEvent, 16),
	}
	seen := make(map[string]bool)
	for _, f := range []string{ConfigPath(cfg.HomeDir), cfg.ReviewTable} {
		if f == "" {
			continue
		}
		f = filepath.Clean(f)
		w.files[f] = true
		// Editors replace files on save, so watch the directory.
		if dir := filepath.Dir(f); !seen[dir] {
			seen[dir] = true
			w.dirs = append(w.dirs, dir)
		}
	}
	return w
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, dir := range w.dirs {
		if err := fsw.Add(dir); err != nil {
			w.logger.Warn("config watcher cannot watch directory", "dir", dir, "error", err)
		}
	}

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !w.files[filepath.Clean(ev.Name)] {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
