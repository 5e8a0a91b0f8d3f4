package refinery_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/polecat/internal/config"
	"github.com/basket/polecat/internal/persistence"
	"github.com/basket/polecat/internal/refinery"
	"github.com/basket/polecat/internal/review"
	"github.com/basket/polecat/internal/vcs"
	"github.com/basket/polecat/internal/vcs/vcstest"
	"github.com/basket/polecat/internal/workspace"
)

const testTable = `
version: 1
default: needs_review
sample_rate: 0
high_stakes_paths: ["migrations/**"]
rules:
  - high_stakes: true
    decision: needs_review
  - complexity: [trivial, low]
    decision: auto_merge
`

type fixture struct {
	repo     *vcstest.Repo
	store    *persistence.Store
	settings config.Config
	git      vcs.Git
	table    review.Router
	mgr      *workspace.Manager
	ref      *refinery.Refinery
}

func newFixture(t *testing.T, tweak ...func(*config.Config)) *fixture {
	t.Helper()
	repo := vcstest.New(t)
	store, err := persistence.Open(filepath.Join(t.TempDir(), "polecat.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	settings := config.Config{
		WorkspaceRoot: filepath.Join(t.TempDir(), "workspaces"),
		MirrorRoot:    filepath.Join(t.TempDir(), "repos"),
		Projects: map[string]config.ProjectConfig{
			"app": {Path: repo.Dir, DefaultBranch: "main", Remote: "origin"},
		},
		GitIdentity: config.GitIdentity{Name: "polecat", Email: "polecat@example.com"},
		Finish:      config.FinishConfig{DirtyPolicy: config.DirtyFail, Push: true, LargeChangesetFiles: 50},
		Refinery:    config.RefineryConfig{MaxAttempts: 3, VerifyTimeout: time.Minute},
	}
	for _, f := range tweak {
		f(&settings)
	}
	table, err := review.Parse([]byte(testTable))
	require.NoError(t, err)

	git := vcs.NewCLI(vcs.Identity{Name: "polecat", Email: "polecat@example.com"}, nil)
	mgr := workspace.New(workspace.Config{Store: store, Git: git, Settings: settings})
	f := &fixture{
		repo:     repo,
		store:    store,
		settings: settings,
		git:      git,
		table:    table,
		mgr:      mgr,
	}
	f.ref = f.refinery(nil)
	return f
}

// refinery builds another instance over the same store, as a second
// process would.
func (f *fixture) refinery(v refinery.Verifier) *refinery.Refinery {
	return refinery.New(refinery.Config{
		Store:      f.store,
		Git:        f.git,
		Workspaces: f.mgr,
		Router:     f.table,
		Verifier:   v,
		Settings:   f.settings,
	})
}

func (f *fixture) trunk() string {
	return f.settings.TrunkPath("app")
}

func withTestCommand(cmd string) func(*config.Config) {
	return func(c *config.Config) {
		p := c.Projects["app"]
		p.TestCommand = cmd
		c.Projects["app"] = p
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(b)
}

// submit creates a task, commits files in its workspace and finishes it.
func (f *fixture) submit(t *testing.T, id, complexity string, files map[string]string) {
	t.Helper()
	ctx := context.Background()
	nt := persistence.NewTask{ID: id, Title: "task " + id, Project: "app"}
	if complexity != "" {
		nt.Tags = []string{"complexity:" + complexity}
	}
	_, err := f.store.Create(ctx, nt)
	require.NoError(t, err)
	task, err := f.store.ClaimByID(ctx, id, "alice")
	require.NoError(t, err)
	ws, err := f.mgr.Setup(ctx, task)
	require.NoError(t, err)
	for rel, content := range files {
		vcstest.CommitFile(t, ws.Path, rel, content, "work on "+id)
	}
	_, err = f.mgr.Finish(ctx, id, workspace.FinishOptions{Push: true, Caller: "alice"})
	require.NoError(t, err)
}

func (f *fixture) task(t *testing.T, id string) *persistence.Task {
	t.Helper()
	task, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return task
}

func (f *fixture) reports(t *testing.T, id string) []persistence.Report {
	t.Helper()
	reports, err := f.store.Reports(context.Background(), id)
	require.NoError(t, err)
	return reports
}

func lastReport(t *testing.T, reports []persistence.Report, kind string) persistence.Report {
	t.Helper()
	for i := len(reports) - 1; i >= 0; i-- {
		if reports[i].Kind == kind {
			return reports[i]
		}
	}
	t.Fatalf("no %s report among %d", kind, len(reports))
	return persistence.Report{}
}

func TestRunOnce_MergesAutoRoutedTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "app-1", "trivial", map[string]string{"feature.txt": "feature\n"})

	sum, err := f.ref.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.AutoMerge)
	assert.Equal(t, 1, sum.Merged)

	task := f.task(t, "app-1")
	assert.Equal(t, persistence.StatusDone, task.Status)
	assert.Equal(t, persistence.ReviewAutoMerge, task.ReviewDecision)
	assert.Equal(t, f.repo.RemoteHead(t, "main"), task.MergeCommit)
	assert.Equal(t, "Merge polecat/app-1: task app-1 (app-1)", vcstest.Git(t, f.repo.Remote, "log", "-1", "--format=%s", "main"))
	assert.FileExists(t, filepath.Join(f.trunk(), "feature.txt"))
	assert.NoFileExists(t, filepath.Join(f.repo.Dir, "feature.txt"), "the user's checkout is not touched")

	assert.False(t, f.repo.RemoteHasBranch(t, "polecat/app-1"))
	assert.Empty(t, vcstest.Git(t, f.settings.MirrorPath("app"), "branch", "--list", "polecat/app-1"))
	assert.NoDirExists(t, workspace.PathFor(f.settings.WorkspaceRoot, "app", "app-1"))

	attempts, err := f.store.IntegrationAttempts(ctx, "app-1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, persistence.OutcomeMerged, attempts[0].Outcome)
	assert.NotEmpty(t, attempts[0].Owner)

	pending, err := f.store.PendingIntegrations(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	lease, err := f.store.CurrentLease(ctx)
	require.NoError(t, err)
	assert.Nil(t, lease, "the lease is released after the pass")
}

func TestRunOnce_HoldsTaskForReviewerThenMergesOnApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "app-1", "", map[string]string{"feature.txt": "feature\n"})

	sum, err := f.ref.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.NeedsReview)
	assert.Zero(t, sum.Merged)
	task := f.task(t, "app-1")
	assert.Equal(t, persistence.StatusReview, task.Status)
	assert.Equal(t, persistence.ReviewNeedsReview, task.ReviewDecision)
	routed := lastReport(t, f.reports(t, "app-1"), persistence.ReportReviewRouted)
	assert.Equal(t, "medium", routed.Detail["complexity"])

	// A second pass leaves the decision alone.
	sum, err = f.ref.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.NeedsReview)

	approved, err := f.ref.Approve(ctx, "app-1", "bob", "looks good")
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusMergeReady, approved.Status)
	assert.Equal(t, persistence.ReviewApproved, approved.ReviewDecision)

	sum, err = f.ref.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Merged)
	assert.Equal(t, persistence.StatusDone, f.task(t, "app-1").Status)
}

func TestRunOnce_HighStakesPathNeedsReview(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "app-1", "trivial", map[string]string{"migrations/001.sql": "create table x();\n"})

	sum, err := f.ref.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.NeedsReview)
	assert.Equal(t, persistence.ReviewNeedsReview, f.task(t, "app-1").ReviewDecision)
}

func TestRunOnce_ConflictKicksBack(t *testing.T) {
	for _, rebase := range []bool{false, true} {
		t.Run(map[bool]string{false: "plain", true: "auto_rebase"}[rebase], func(t *testing.T) {
			f := newFixture(t, func(c *config.Config) { c.Refinery.AutoRebase = rebase })
			ctx := context.Background()
			f.submit(t, "app-1", "trivial", map[string]string{"README.md": "from one\n"})
			f.submit(t, "app-2", "trivial", map[string]string{"README.md": "from two\n"})

			sum, err := f.ref.RunOnce(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, sum.Merged)
			assert.Equal(t, 1, sum.Conflicts)

			assert.Equal(t, persistence.StatusDone, f.task(t, "app-1").Status)
			loser := f.task(t, "app-2")
			assert.Equal(t, persistence.StatusBlocked, loser.Status)
			assert.Equal(t, persistence.ReviewNeedsReview, loser.ReviewDecision)
			conflict := lastReport(t, f.reports(t, "app-2"), persistence.ReportMergeConflict)
			assert.Equal(t, []any{"README.md"}, conflict.Detail["files"])

			assert.Empty(t, vcstest.Git(t, f.trunk(), "status", "--porcelain", "--untracked-files=no"))
			assert.Equal(t, f.task(t, "app-1").MergeCommit, f.repo.RemoteHead(t, "main"))
			assert.True(t, f.repo.RemoteHasBranch(t, "polecat/app-2"), "kicked-back work is kept")
		})
	}
}

func TestRunOnce_VerificationFailureResetsTrunk(t *testing.T) {
	f := newFixture(t, withTestCommand(`sh -c "echo checking; test ! -f broken.txt"`))
	ctx := context.Background()
	before := f.repo.RemoteHead(t, "main")
	f.submit(t, "app-1", "trivial", map[string]string{"broken.txt": "oops\n"})

	sum, err := f.ref.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TestFailures)

	task := f.task(t, "app-1")
	assert.Equal(t, persistence.StatusBlocked, task.Status)
	assert.Equal(t, persistence.ReviewNeedsReview, task.ReviewDecision)
	report := lastReport(t, f.reports(t, "app-1"), persistence.ReportTestFailure)
	assert.Contains(t, report.Detail["output_tail"], "checking")
	assert.Equal(t, before, f.repo.RemoteHead(t, "main"))
	assert.Equal(t, before, vcstest.Git(t, f.trunk(), "rev-parse", "HEAD"))
	assert.NoFileExists(t, filepath.Join(f.trunk(), "broken.txt"))

	attempts, err := f.store.IntegrationAttempts(ctx, "app-1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, persistence.OutcomeTestFailure, attempts[0].Outcome)
}

func TestRunOnce_MaxAttemptsForcesReview(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Refinery.MaxAttempts = 1 })
	ctx := context.Background()
	f.submit(t, "app-1", "trivial", map[string]string{"README.md": "from one\n"})
	f.submit(t, "app-2", "trivial", map[string]string{"README.md": "from two\n"})
	_, err := f.ref.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, persistence.StatusBlocked, f.task(t, "app-2").Status)

	// The worker resumes the kicked-back task and resubmits it.
	_, err = f.store.ClaimByID(ctx, "app-2", "alice")
	require.NoError(t, err)
	_, err = f.mgr.Finish(ctx, "app-2", workspace.FinishOptions{Push: true, Caller: "alice"})
	require.NoError(t, err)

	sum, err := f.ref.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.NeedsReview)
	task := f.task(t, "app-2")
	assert.Equal(t, persistence.StatusReview, task.Status)
	assert.Equal(t, persistence.ReviewNeedsReview, task.ReviewDecision)
	lastReport(t, f.reports(t, "app-2"), persistence.ReportMaxAttempts)
	routed := lastReport(t, f.reports(t, "app-2"), persistence.ReportReviewRouted)
	assert.Equal(t, true, routed.Detail["forced"])
}

func TestRunOnce_DiscardsLeftoverTrunkStateAndSparesUserCheckout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "app-1", "trivial", map[string]string{"feature.txt": "x\n"})

	trunk, err := f.mgr.Trunk(ctx, "app")
	require.NoError(t, err)
	vcstest.Git(t, trunk, "checkout", "main")
	vcstest.CommitFile(t, trunk, "stray.txt", "stray\n", "left by a crashed pass")
	vcstest.WriteFile(t, trunk, "README.md", "leftover\n")

	vcstest.CommitFile(t, f.repo.Dir, "local.txt", "unpushed\n", "local only")
	f.repo.Write(t, "README.md", "local edit\n")
	userHead := vcstest.Git(t, f.repo.Dir, "rev-parse", "HEAD")

	sum, err := f.ref.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Merged)
	assert.Equal(t, f.repo.RemoteHead(t, "main"), vcstest.Git(t, trunk, "rev-parse", "HEAD"))
	assert.Equal(t, "hello\n", readFile(t, filepath.Join(trunk, "README.md")))
	assert.NoFileExists(t, filepath.Join(trunk, "stray.txt"))
	remoteTree := strings.Fields(vcstest.Git(t, f.repo.Remote, "ls-tree", "--name-only", "main"))
	assert.Contains(t, remoteTree, "feature.txt")
	assert.NotContains(t, remoteTree, "stray.txt")
	assert.NotContains(t, remoteTree, "local.txt")

	assert.Equal(t, userHead, vcstest.Git(t, f.repo.Dir, "rev-parse", "HEAD"))
	assert.Equal(t, "local edit\n", readFile(t, filepath.Join(f.repo.Dir, "README.md")))
}

func TestRunOnce_ReconcilesOrphanedAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.Create(ctx, persistence.NewTask{ID: "app-1", Title: "orphan", Project: "app"})
	require.NoError(t, err)
	trunk, err := f.mgr.Trunk(ctx, "app")
	require.NoError(t, err)
	base := vcstest.Git(t, trunk, "rev-parse", "HEAD")
	_, err = f.store.BeginIntegration(ctx, persistence.IntegrationAttempt{
		TaskID: "app-1", Branch: "polecat/app-1", BaseCommit: base, Owner: "gone:1:deadbeef",
	})
	require.NoError(t, err)
	// The crashed pass left a half-applied squash behind.
	vcstest.WriteFile(t, trunk, "README.md", "half merged\n")

	sum, err := f.ref.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Reconciled)

	attempts, err := f.store.IntegrationAttempts(ctx, "app-1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, persistence.OutcomeAborted, attempts[0].Outcome)
	assert.Contains(t, attempts[0].Detail, "gone:1:deadbeef")
	assert.Empty(t, vcstest.Git(t, trunk, "status", "--porcelain", "--untracked-files=no"))
	aborted := lastReport(t, f.reports(t, "app-1"), persistence.ReportIntegrationAborted)
	assert.Equal(t, "reconcile", aborted.Detail["stage"])
}

// gateVerifier blocks verification until released.
type gateVerifier struct {
	entered chan struct{}
	release chan struct{}
}

func (v *gateVerifier) Verify(ctx context.Context, _, _ string) error {
	close(v.entered)
	select {
	case <-v.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestRunOnce_SecondRefineryWaitsForLeaseHolder(t *testing.T) {
	f := newFixture(t, withTestCommand("true"))
	ctx := context.Background()
	f.submit(t, "app-1", "trivial", map[string]string{"feature.txt": "feature\n"})

	gate := &gateVerifier{entered: make(chan struct{}), release: make(chan struct{})}
	first := f.refinery(gate)
	second := f.refinery(nil)

	done := make(chan error, 1)
	go func() {
		_, err := first.RunOnce(ctx)
		done <- err
	}()
	select {
	case <-gate.entered:
	case <-time.After(30 * time.Second):
		t.Fatal("first pass never reached verification")
	}

	sum, err := second.RunOnce(ctx)
	require.ErrorIs(t, err, persistence.ErrIntegrationInFlight)
	assert.Zero(t, sum.Reconciled)
	pending, err := f.store.PendingIntegrations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1, "the live attempt must not be reconciled away")
	assert.Equal(t, persistence.OutcomePending, pending[0].Outcome)

	close(gate.release)
	require.NoError(t, <-done)

	task := f.task(t, "app-1")
	assert.Equal(t, persistence.StatusDone, task.Status)
	assert.Equal(t, f.repo.RemoteHead(t, "main"), task.MergeCommit)
	attempts, err := f.store.IntegrationAttempts(ctx, "app-1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, persistence.OutcomeMerged, attempts[0].Outcome)

	sum, err = second.RunOnce(ctx)
	require.NoError(t, err, "the lease is free once the first pass ends")
	assert.Zero(t, sum.Reconciled)
}

func TestRunOnce_AbortedAttemptsAreReportedAndCapped(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Refinery.MaxAttempts = 2 })
	ctx := context.Background()
	f.submit(t, "app-1", "trivial", map[string]string{"feature.txt": "feature\n"})
	hook := filepath.Join(f.repo.Remote, "hooks", "pre-receive")
	require.NoError(t, os.WriteFile(hook, []byte(`#!/bin/sh
while read old new ref; do
  if [ "$ref" = refs/heads/main ]; then echo "main is frozen" >&2; exit 1; fi
done
`), 0o755))

	sum, err := f.ref.RunOnce(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "push trunk")
	assert.Equal(t, 1, sum.Aborted)
	assert.Equal(t, persistence.StatusMergeReady, f.task(t, "app-1").Status)
	aborted := lastReport(t, f.reports(t, "app-1"), persistence.ReportIntegrationAborted)
	assert.Equal(t, "push", aborted.Detail["stage"])

	sum, err = f.ref.RunOnce(ctx)
	require.NoError(t, err, "a capped task is kicked back instead of failing the pass")
	assert.Equal(t, 1, sum.Aborted)
	task := f.task(t, "app-1")
	assert.Equal(t, persistence.StatusBlocked, task.Status)
	assert.Equal(t, persistence.ReviewNeedsReview, task.ReviewDecision)
	capped := lastReport(t, f.reports(t, "app-1"), persistence.ReportMaxAttempts)
	assert.Contains(t, capped.Summary, "main is frozen")

	require.NoError(t, os.Remove(hook))
	f.submit(t, "app-2", "trivial", map[string]string{"other.txt": "other\n"})
	sum, err = f.ref.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Merged)
	assert.Equal(t, persistence.StatusDone, f.task(t, "app-2").Status)
}

func TestRevert_ReopensForLastAssignee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "app-1", "trivial", map[string]string{"feature.txt": "feature\n"})
	_, err := f.ref.RunOnce(ctx)
	require.NoError(t, err)
	merged := f.task(t, "app-1").MergeCommit

	task, err := f.ref.Revert(ctx, "app-1", "login broke after deploy")
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusInProgress, task.Status)
	assert.Equal(t, "alice", task.Assignee)
	assert.Empty(t, task.MergeCommit)

	regression := lastReport(t, f.reports(t, "app-1"), persistence.ReportRegression)
	assert.Equal(t, "login broke after deploy", regression.Summary)
	assert.Equal(t, merged, regression.Detail["merge_commit"])

	vcstest.Git(t, f.repo.Dir, "fetch", "origin")
	tree := vcstest.Git(t, f.repo.Dir, "ls-tree", "--name-only", "origin/main")
	assert.NotContains(t, strings.Fields(tree), "feature.txt")

	attempts, err := f.store.IntegrationAttempts(ctx, "app-1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, persistence.KindRevert, attempts[1].Kind)
	assert.Equal(t, persistence.OutcomeMerged, attempts[1].Outcome)
}

func TestRevert_RequiresMergedTask(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Create(context.Background(), persistence.NewTask{ID: "app-1", Title: "x", Project: "app"})
	require.NoError(t, err)
	_, err = f.ref.Revert(context.Background(), "app-1", "n/a")
	require.ErrorIs(t, err, refinery.ErrNotMerged)
}

func TestRequestChanges_ReturnsTaskToAssignee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "app-1", "", map[string]string{"feature.txt": "feature\n"})
	_, err := f.ref.RunOnce(ctx)
	require.NoError(t, err)

	task, err := f.ref.RequestChanges(ctx, "app-1", "bob", "needs tests")
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusInProgress, task.Status)
	assert.Equal(t, "alice", task.Assignee)
	assert.Empty(t, task.ReviewDecision)
	assert.Equal(t, "needs tests", lastReport(t, f.reports(t, "app-1"), persistence.ReportReviewChanges).Summary)

	_, err = f.ref.Approve(ctx, "app-1", "bob", "")
	require.ErrorIs(t, err, persistence.ErrInvalidTransition)
}

func TestReject_CancelsAndReclaims(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "app-1", "", map[string]string{"feature.txt": "feature\n"})

	task, err := f.ref.Reject(ctx, "app-1", "bob", "duplicate of app-0")
	require.NoError(t, err)
	assert.Equal(t, persistence.StatusCancelled, task.Status)
	assert.Equal(t, "rejected: duplicate of app-0", task.CloseReason)
	assert.NoDirExists(t, workspace.PathFor(f.settings.WorkspaceRoot, "app", "app-1"))
	lastReport(t, f.reports(t, "app-1"), persistence.ReportReviewRejected)
}
