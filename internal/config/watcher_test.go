package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/basket/polecat/internal/config"
)

func TestWatcher_DetectsReviewTableChange(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	require.NoError(t, err)
	_, err = config.WriteStarters(cfg)
	require.NoError(t, err)

	w := config.NewWatcher(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	// Unrelated files in the home directory are filtered out.
	require.NoError(t, os.WriteFile(filepath.Join(home, "notes.txt"), []byte("x"), 0o644))

	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	body := append(config.StarterReviewTable(), '\n')
	require.NoError(t, os.WriteFile(cfg.ReviewTable, body, 0o644))

	for {
		select {
		case ev := <-w.Events():
			require.Equal(t, filepath.Base(cfg.ReviewTable), filepath.Base(ev.Path))
			return
		case <-tick.C:
			_ = os.WriteFile(cfg.ReviewTable, body, 0o644)
		case <-deadline:
			t.Fatal("timed out waiting for review table change event")
		}
	}
}

func TestWatcher_ClosesOnCancel(t *testing.T) {
	cfg, err := config.LoadFrom(t.TempDir())
	require.NoError(t, err)
	w := config.NewWatcher(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	cancel()

	select {
	case _, ok := <-w.Events():
		require.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("events channel not closed")
	}
}
