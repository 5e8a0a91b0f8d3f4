package review_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/polecat/internal/config"
	"github.com/basket/polecat/internal/persistence"
	"github.com/basket/polecat/internal/review"
)

const table = `
version: 1
default: needs_review
high_stakes_paths: ["migrations/**", "**/*.sql", ".github/**"]
rules:
  - complexity: [trivial, low]
    high_stakes: false
    decision: auto_merge
  - high_stakes: true
    decision: needs_review
`

func task(id string, tags ...string) *persistence.Task {
	return &persistence.Task{ID: id, Project: "app", Tags: tags}
}

func TestRoute_DecisionTable(t *testing.T) {
	tbl, err := review.Parse([]byte(table))
	require.NoError(t, err)

	cases := []struct {
		name    string
		task    *persistence.Task
		files   []string
		outcome review.Outcome
		rule    int
	}{
		{"trivial plain", task("a", "complexity:trivial"), []string{"main.go"}, review.AutoMerge, 0},
		{"low plain", task("b", "complexity:low"), []string{"pkg/x.go"}, review.AutoMerge, 0},
		{"untagged is medium", task("c"), []string{"main.go"}, review.NeedsReview, -1},
		{"high", task("d", "complexity:high"), []string{"main.go"}, review.NeedsReview, -1},
		{"trivial migration", task("e", "complexity:trivial"), []string{"migrations/0001/up.sql"}, review.NeedsReview, 1},
		{"sql at root", task("f", "complexity:low"), []string{"schema.sql"}, review.NeedsReview, 1},
		{"nested sql", task("g", "complexity:low"), []string{"db/q/find.sql"}, review.NeedsReview, 1},
		{"workflow", task("h", "complexity:trivial"), []string{".github/workflows/ci.yml"}, review.NeedsReview, 1},
		{"bogus level", task("i", "complexity:huge"), []string{"main.go"}, review.NeedsReview, -1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := tbl.Route(tc.task, tc.files)
			assert.Equal(t, tc.outcome, d.Outcome)
			assert.Equal(t, tc.rule, d.Rule)
			assert.False(t, d.Sampled)
		})
	}

	d := tbl.Route(task("e", "complexity:trivial"), []string{"main.go", "migrations/x.sql"})
	assert.Equal(t, []string{"migrations/x.sql"}, d.HighStakes)
	assert.Equal(t, "medium", review.ComplexityOf(task("x")))
}

func TestRoute_SamplingIsDeterministic(t *testing.T) {
	tbl, err := review.Parse([]byte(`
version: 3
sample_rate: 0.5
rules:
  - decision: auto_merge
`))
	require.NoError(t, err)

	sampled := 0
	for i := 0; i < 200; i++ {
		tk := task(fmt.Sprintf("app-%d", i))
		first := tbl.Route(tk, nil)
		for j := 0; j < 3; j++ {
			assert.Equal(t, first, tbl.Route(tk, nil))
		}
		if first.Sampled {
			sampled++
			assert.Equal(t, review.NeedsReview, first.Outcome)
		} else {
			assert.Equal(t, review.AutoMerge, first.Outcome)
		}
	}
	assert.Greater(t, sampled, 0)
	assert.Less(t, sampled, 200)

	all, err := review.Parse([]byte("version: 1\nsample_rate: 1\nrules:\n  - decision: auto_merge\n"))
	require.NoError(t, err)
	assert.True(t, all.Route(task("z"), nil).Sampled)
}

func TestRoute_DefaultTableSendsEverythingToReview(t *testing.T) {
	d := review.Default().Route(task("a", "complexity:trivial"), nil)
	assert.Equal(t, review.NeedsReview, d.Outcome)
	assert.Equal(t, "default", d.Reason)
}

func TestForced(t *testing.T) {
	tbl, err := review.Parse([]byte(table))
	require.NoError(t, err)
	d := tbl.Forced(task("a", "complexity:trivial"), "max integration attempts reached")
	assert.Equal(t, review.NeedsReview, d.Outcome)
	assert.True(t, d.Forced)
	assert.Equal(t, true, d.Detail()["forced"])
}

func TestParse_RejectsInvalidTables(t *testing.T) {
	cases := map[string]string{
		"missing version": "rules: []\n",
		"bad decision":    "version: 1\nrules:\n  - decision: ship_it\n",
		"bad complexity":  "version: 1\nrules:\n  - complexity: [easy]\n    decision: auto_merge\n",
		"rate above one":  "version: 1\nsample_rate: 2\nrules: []\n",
		"unknown key":     "version: 1\nrules: []\nreviewers: [bob]\n",
		"bad glob":        "version: 1\nhigh_stakes_paths: [\"[\"]\nrules: []\n",
		"not yaml":        "version: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := review.Parse([]byte(body))
			require.Error(t, err)
		})
	}
}

func TestLoad_MissingFileIsDefault(t *testing.T) {
	tbl, err := review.Load(filepath.Join(t.TempDir(), "review.yaml"))
	require.NoError(t, err)
	assert.Equal(t, review.Default().Fingerprint(), tbl.Fingerprint())
}

func TestStarterTableIsValid(t *testing.T) {
	tbl, err := review.Parse(config.StarterReviewTable())
	require.NoError(t, err)
	d := tbl.Route(task("a", "complexity:low"), []string{"x.go"})
	assert.Equal(t, 1, d.Rule)
	assert.True(t, d.Outcome == review.AutoMerge || d.Sampled)
	assert.Equal(t, review.NeedsReview, tbl.Route(task("a", "complexity:low"), []string{"migrations/1.sql"}).Outcome)
}

func TestLive_ReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "review.yaml")
	require.NoError(t, os.WriteFile(path, []byte(table), 0o644))
	live, err := review.LoadLive(path)
	require.NoError(t, err)
	before := live.Fingerprint()

	require.NoError(t, os.WriteFile(path, []byte("version: 1\nrules:\n  - decision: nope\n"), 0o644))
	require.Error(t, live.ReloadFromFile())
	assert.Equal(t, before, live.Fingerprint())

	require.NoError(t, os.WriteFile(path, []byte("version: 2\nrules:\n  - decision: auto_merge\n"), 0o644))
	require.NoError(t, live.ReloadFromFile())
	assert.NotEqual(t, before, live.Fingerprint())
	assert.Equal(t, review.AutoMerge, live.Route(task("app-1"), nil).Outcome)
}

func TestLive_FollowReloadsOnEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "review.yaml")
	require.NoError(t, os.WriteFile(path, []byte(table), 0o644))
	live, err := review.LoadLive(path)
	require.NoError(t, err)

	events := make(chan config.ReloadEvent, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		live.Follow(ctx, events, nil)
		close(done)
	}()

	require.NoError(t, os.WriteFile(path, []byte("version: 2\nrules:\n  - decision: auto_merge\n"), 0o644))
	events <- config.ReloadEvent{Path: filepath.Join(filepath.Dir(path), "polecat.yaml")}
	events <- config.ReloadEvent{Path: path}

	require.Eventually(t, func() bool {
		return live.Route(task("app-1"), nil).Outcome == review.AutoMerge
	}, 2*time.Second, 10*time.Millisecond)

	close(events)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Follow did not return after the channel closed")
	}
}
