// Package refinery serializes integration of finished task branches into
// trunk. Each pass routes review tasks through the review gate and then
// squash-merges merge_ready tasks one at a time, verifying trunk before it is
// pushed. Merges happen in a trunk checkout that hangs off the project's
// mirror; a lease in the store keeps passes exclusive across processes.
package refinery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/polecat/internal/audit"
	"github.com/basket/polecat/internal/bus"
	"github.com/basket/polecat/internal/config"
	"github.com/basket/polecat/internal/otel"
	"github.com/basket/polecat/internal/persistence"
	"github.com/basket/polecat/internal/review"
	"github.com/basket/polecat/internal/shared"
	"github.com/basket/polecat/internal/vcs"
	"github.com/basket/polecat/internal/workspace"
)

var (
	// ErrLeaseLost cancels a pass whose lease could not be renewed.
	ErrLeaseLost = errors.New("refinery lease lost")
	// ErrVerificationFailed is returned by a Verifier when the project's
	// test command fails on the merged tree.
	ErrVerificationFailed = errors.New("verification failed")
	// ErrNotMerged rejects a revert of a task without a merge commit.
	ErrNotMerged = errors.New("task has no merge commit")
)

// Workspaces is what the refinery needs from the workspace manager.
type Workspaces interface {
	// Reclaim removes a task's workspace and local branch.
	Reclaim(ctx context.Context, taskID string) bool
	// Mirror returns the project's bare mirror.
	Mirror(ctx context.Context, project string) (string, error)
	// Trunk returns the project's trunk checkout.
	Trunk(ctx context.Context, project string) (string, error)
}

type Config struct {
	Store      *persistence.Store
	Git        vcs.Git
	Workspaces Workspaces
	Router     review.Router
	Verifier   Verifier
	Settings   config.Config
	Bus        *bus.Bus
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Metrics    *otel.Metrics
}

// Summary counts what one pass did.
type Summary struct {
	AutoMerge    int `json:"auto_merge"`
	NeedsReview  int `json:"needs_review"`
	Merged       int `json:"merged"`
	Conflicts    int `json:"conflicts"`
	TestFailures int `json:"test_failures"`
	Aborted      int `json:"aborted"`
	Reconciled   int `json:"reconciled"`
}

// Refinery is the integration queue. One pass runs at a time per process;
// the store's lease serializes across processes.
type Refinery struct {
	store    *persistence.Store
	git      vcs.Git
	ws       Workspaces
	router   review.Router
	verifier Verifier
	settings config.Config
	bus      *bus.Bus
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *otel.Metrics
	owner    string

	mu sync.Mutex
}

func New(cfg Config) *Refinery {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	router := cfg.Router
	if router == nil {
		router = review.Default()
	}
	verifier := cfg.Verifier
	if verifier == nil {
		verifier = &CommandVerifier{}
	}
	return &Refinery{
		store:    cfg.Store,
		git:      cfg.Git,
		ws:       cfg.Workspaces,
		router:   router,
		verifier: verifier,
		settings: cfg.Settings,
		bus:      cfg.Bus,
		logger:   logger.With("component", "refinery"),
		tracer:   otel.TracerOrNoop(cfg.Tracer),
		metrics:  cfg.Metrics,
		owner:    leaseOwner(),
	}
}

// leaseOwner names this refinery instance as host:pid:nonce.
func leaseOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString()[:8])
}

func (r *Refinery) leaseTTL() time.Duration {
	if r.settings.Refinery.LeaseTTL <= 0 {
		return 2 * time.Minute
	}
	return r.settings.Refinery.LeaseTTL
}

// hold takes the refinery lease and renews it until release is called. The
// returned context is cancelled with ErrLeaseLost if a renewal fails. A
// lease held by another live process is reported as ErrIntegrationInFlight.
func (r *Refinery) hold(ctx context.Context) (context.Context, func(), error) {
	ttl := r.leaseTTL()
	if _, err := r.store.AcquireLease(ctx, r.owner, ttl); err != nil {
		if errors.Is(err, persistence.ErrLeaseHeld) {
			return nil, nil, fmt.Errorf("%w: %w", persistence.ErrIntegrationInFlight, err)
		}
		return nil, nil, fmt.Errorf("acquire refinery lease: %w", err)
	}
	ctx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.store.RenewLease(ctx, r.owner, ttl); err != nil {
					r.logger.ErrorContext(ctx, "refinery lease renewal failed", "owner", r.owner, "error", err)
					cancel(fmt.Errorf("%w: %w", ErrLeaseLost, err))
					return
				}
			}
		}
	}()
	release := func() {
		close(done)
		<-stopped
		if err := r.store.ReleaseLease(context.WithoutCancel(ctx), r.owner); err != nil {
			r.logger.WarnContext(ctx, "release refinery lease", "owner", r.owner, "error", err)
		}
		cancel(nil)
	}
	return ctx, release, nil
}

func (r *Refinery) identity() vcs.Identity {
	return vcs.Identity{Name: r.settings.GitIdentity.Name, Email: r.settings.GitIdentity.Email}
}

func (r *Refinery) maxAttempts() int {
	if r.settings.Refinery.MaxAttempts <= 0 {
		return 3
	}
	return r.settings.Refinery.MaxAttempts
}

// RunOnce performs one pass: reconcile attempts orphaned by a crashed
// process, route review tasks through the gate, then integrate merge_ready
// tasks oldest first. While another process holds the refinery lease the
// pass is skipped with ErrIntegrationInFlight.
func (r *Refinery) RunOnce(ctx context.Context) (Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx = shared.WithRunID(ctx, shared.NewTraceID())
	ctx, span := otel.StartSpan(ctx, r.tracer, "refinery.pass")
	var sum Summary
	var err error
	defer func() { otel.EndSpan(span, err) }()

	ctx, release, err := r.hold(ctx)
	if err != nil {
		return sum, err
	}
	defer release()

	if sum.Reconciled, err = r.reconcile(ctx); err != nil {
		return sum, err
	}
	if err = r.gate(ctx, &sum); err != nil {
		return sum, err
	}
	ready, err := r.store.Query(ctx, persistence.TaskFilter{
		Statuses: []persistence.TaskStatus{persistence.StatusMergeReady},
		Order:    persistence.OrderUpdated,
	})
	if err != nil {
		return sum, err
	}
	for i := range ready {
		if ctx.Err() != nil {
			err = context.Cause(ctx)
			return sum, err
		}
		outcome, ierr := r.integrate(ctx, &ready[i])
		switch outcome {
		case persistence.OutcomeMerged:
			sum.Merged++
		case persistence.OutcomeConflict:
			sum.Conflicts++
		case persistence.OutcomeTestFailure:
			sum.TestFailures++
		case persistence.OutcomeAborted:
			sum.Aborted++
		}
		if ierr != nil {
			err = ierr
			return sum, err
		}
	}
	r.logger.InfoContext(ctx, "refinery pass complete",
		"merged", sum.Merged, "conflicts", sum.Conflicts, "test_failures", sum.TestFailures,
		"auto_merge", sum.AutoMerge, "needs_review", sum.NeedsReview)
	return sum, nil
}

// reconcile aborts pending attempts left by a crashed process and restores
// the trunk checkout to the attempt's base. It runs only under the lease, so
// any pending attempt belongs to a holder that is gone.
func (r *Refinery) reconcile(ctx context.Context) (int, error) {
	pending, err := r.store.PendingIntegrations(ctx)
	if err != nil {
		return 0, err
	}
	for _, a := range pending {
		log := r.logger.With("task_id", a.TaskID, "attempt_id", a.ID)
		log.WarnContext(ctx, "aborting orphaned integration attempt", "kind", a.Kind, "owner", a.Owner, "started_at", a.StartedAt)
		if task, err := r.store.Get(ctx, a.TaskID); err == nil && a.BaseCommit != "" {
			if trunk, err := r.ws.Trunk(ctx, task.Project); err == nil {
				if err := r.git.ResetHard(ctx, trunk, a.BaseCommit); err != nil {
					log.ErrorContext(ctx, "reset trunk after orphaned attempt", "error", err)
				}
			}
		}
		detail := "orphaned by an interrupted pass"
		if a.Owner != "" {
			detail += " of " + a.Owner
		}
		if err := r.store.FinishIntegration(ctx, a.ID, persistence.OutcomeAborted, detail); err != nil {
			return 0, err
		}
		if _, err := r.store.AttachReport(ctx, persistence.Report{
			TaskID:  a.TaskID,
			Kind:    persistence.ReportIntegrationAborted,
			Summary: detail,
			Detail:  map[string]any{"stage": "reconcile", "attempt_id": a.ID, "owner": a.Owner, "base_commit": a.BaseCommit},
		}); err != nil && !errors.Is(err, persistence.ErrNotFound) {
			log.WarnContext(ctx, "attach abort report", "error", err)
		}
		r.metrics.RecordIntegration(ctx, a.Kind, persistence.OutcomeAborted, 0)
	}
	return len(pending), nil
}

// gate routes review tasks that have no decision yet.
func (r *Refinery) gate(ctx context.Context, sum *Summary) error {
	tasks, err := r.store.Query(ctx, persistence.TaskFilter{
		Statuses: []persistence.TaskStatus{persistence.StatusReview},
		Order:    persistence.OrderUpdated,
	})
	if err != nil {
		return err
	}
	for i := range tasks {
		task := &tasks[i]
		if task.ReviewDecision != "" {
			continue
		}
		decision := r.route(ctx, task)
		report := persistence.Report{
			TaskID:  task.ID,
			Kind:    persistence.ReportReviewRouted,
			Summary: fmt.Sprintf("%s: %s", decision.Outcome, decision.Reason),
			Detail:  decision.Detail(),
		}
		upd := persistence.TaskUpdate{ReviewDecision: ptr(string(decision.Outcome)), Reason: decision.Reason}
		if decision.Outcome == review.AutoMerge {
			upd.Status = ptr(persistence.StatusMergeReady)
		}
		if _, err := r.store.Transition(ctx, task.ID, upd, "review.routed", &report); err != nil {
			if errors.Is(err, persistence.ErrInvalidTransition) || errors.Is(err, persistence.ErrNotFound) {
				r.logger.WarnContext(ctx, "task moved while routing", "task_id", task.ID, "error", err)
				continue
			}
			return err
		}
		if decision.Outcome == review.AutoMerge {
			sum.AutoMerge++
		} else {
			sum.NeedsReview++
		}
		r.metrics.RecordReview(ctx, string(decision.Outcome))
		audit.Record(ctx, audit.Entry{
			Action:   audit.ActionRoute,
			Decision: string(decision.Outcome),
			Actor:    "refinery",
			TaskID:   task.ID,
			Reason:   decision.Reason,
			Version:  decision.Version,
		})
		r.bus.Publish(bus.TopicReviewRouted, bus.ReviewRoutedEvent{TaskID: task.ID, Decision: string(decision.Outcome), Reason: decision.Reason})
		r.logger.InfoContext(ctx, "review routed", "task_id", task.ID, "decision", decision.Outcome, "reason", decision.Reason)
	}
	return nil
}

func (r *Refinery) route(ctx context.Context, task *persistence.Task) review.Decision {
	if task.IntegrationAttempts >= r.maxAttempts() {
		_, _ = r.store.AttachReport(ctx, persistence.Report{
			TaskID:  task.ID,
			Kind:    persistence.ReportMaxAttempts,
			Summary: fmt.Sprintf("%d integration attempts; human review required", task.IntegrationAttempts),
			Detail:  map[string]any{"attempts": task.IntegrationAttempts, "max_attempts": r.maxAttempts()},
		})
		return r.router.Forced(task, "max integration attempts reached")
	}
	touched, err := r.touchedFiles(ctx, task)
	if err != nil {
		r.logger.WarnContext(ctx, "cannot list changed files; forcing review", "task_id", task.ID, "error", err)
		return r.router.Forced(task, "changed files unavailable")
	}
	return r.router.Route(task, touched)
}

func (r *Refinery) touchedFiles(ctx context.Context, task *persistence.Task) ([]string, error) {
	_, proj, err := r.settings.ResolveProject(task.Project)
	if err != nil {
		return nil, err
	}
	mirror, err := r.ws.Mirror(ctx, task.Project)
	if err != nil {
		return nil, err
	}
	if err := r.git.Fetch(ctx, mirror, proj.Remote); err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	src, err := r.sourceRef(ctx, mirror, proj, task)
	if err != nil {
		return nil, err
	}
	return r.git.ChangedFiles(ctx, mirror, proj.Remote+"/"+proj.DefaultBranch, src)
}

// sourceRef prefers the pushed branch and falls back to the local one.
func (r *Refinery) sourceRef(ctx context.Context, mirror string, proj config.ProjectConfig, task *persistence.Task) (string, error) {
	branch := branchOf(task)
	if ok, err := r.git.RemoteBranchExists(ctx, mirror, proj.Remote, branch); err == nil && ok {
		return proj.Remote + "/" + branch, nil
	}
	if ok, err := r.git.BranchExists(ctx, mirror, branch); err == nil && ok {
		return branch, nil
	}
	return "", fmt.Errorf("branch %s not found locally or on %s", branch, proj.Remote)
}

func branchOf(task *persistence.Task) string {
	if task.BranchName != "" {
		return task.BranchName
	}
	return workspace.BranchFor(task.ID)
}

// prepareTrunk brings the refinery's trunk checkout to the remote trunk,
// discarding whatever an earlier pass left behind, and returns its path and
// head.
func (r *Refinery) prepareTrunk(ctx context.Context, project string, proj config.ProjectConfig) (string, string, error) {
	trunk, err := r.ws.Trunk(ctx, project)
	if err != nil {
		return "", "", fmt.Errorf("trunk checkout: %w", err)
	}
	if err := r.git.Fetch(ctx, trunk, proj.Remote); err != nil {
		return "", "", fmt.Errorf("fetch: %w", err)
	}
	if dirty, err := r.git.IsDirty(ctx, trunk); err == nil && dirty {
		r.logger.WarnContext(ctx, "discarding leftover changes in trunk checkout", "path", trunk)
	}
	if err := r.git.ResetHard(ctx, trunk, "HEAD"); err != nil {
		return "", "", fmt.Errorf("clean trunk checkout: %w", err)
	}
	if err := r.git.Checkout(ctx, trunk, proj.DefaultBranch); err != nil {
		return "", "", fmt.Errorf("checkout trunk: %w", err)
	}
	if n, err := r.git.UnpushedCommits(ctx, trunk, proj.Remote, proj.DefaultBranch); err == nil && n > 0 {
		r.logger.WarnContext(ctx, "discarding unpushed trunk commits", "path", trunk, "commits", n)
	}
	if err := r.git.ResetHard(ctx, trunk, proj.Remote+"/"+proj.DefaultBranch); err != nil {
		return "", "", fmt.Errorf("reset trunk: %w", err)
	}
	head, err := r.git.RevParse(ctx, trunk, "HEAD")
	if err != nil {
		return "", "", err
	}
	return trunk, head, nil
}

// integrate runs one merge attempt for a merge_ready task. The returned
// error aborts the pass; kickbacks are outcomes, not errors.
func (r *Refinery) integrate(ctx context.Context, task *persistence.Task) (outcome string, err error) {
	ctx = shared.WithTaskID(ctx, task.ID)
	log := r.logger.With("task_id", task.ID)
	project, proj, err := r.settings.ResolveProject(task.Project)
	if err != nil {
		return "", err
	}
	branch := branchOf(task)
	ctx, span := otel.StartSpan(ctx, r.tracer, "refinery.integrate",
		otel.AttrTaskID.String(task.ID),
		otel.AttrProject.String(task.Project),
		otel.AttrBranch.String(branch),
		otel.AttrIntegrationKind.String(persistence.KindMerge),
	)
	started := time.Now()
	defer func() {
		span.SetAttributes(otel.AttrOutcome.String(outcome))
		otel.EndSpan(span, err)
		if outcome != "" {
			r.metrics.RecordIntegration(ctx, persistence.KindMerge, outcome, time.Since(started))
		}
	}()

	mirror, err := r.ws.Mirror(ctx, project)
	if err != nil {
		return "", err
	}
	trunk, base, err := r.prepareTrunk(ctx, project, proj)
	if err != nil {
		return "", err
	}
	attempt, err := r.store.BeginIntegration(ctx, persistence.IntegrationAttempt{
		TaskID:     task.ID,
		Kind:       persistence.KindMerge,
		Branch:     branch,
		BaseCommit: base,
		Owner:      r.owner,
	})
	if err != nil {
		return "", err
	}
	r.bus.Publish(bus.TopicIntegrationStarted, bus.IntegrationEvent{AttemptID: attempt.ID, TaskID: task.ID, Kind: attempt.Kind, Outcome: attempt.Outcome, BaseCommit: base})
	log.InfoContext(ctx, "integration started", "branch", branch, "base", base, "attempt", attempt.AttemptCount)

	finish := func(outcome, detail string) {
		if ferr := r.store.FinishIntegration(ctx, attempt.ID, outcome, detail); ferr != nil {
			log.ErrorContext(ctx, "record integration outcome", "error", ferr)
		}
		r.bus.Publish(bus.TopicIntegrationFinished, bus.IntegrationEvent{AttemptID: attempt.ID, TaskID: task.ID, Kind: attempt.Kind, Outcome: outcome, BaseCommit: base})
	}

	src, err := r.sourceRef(ctx, mirror, proj, task)
	if err != nil {
		finish(persistence.OutcomeConflict, err.Error())
		return persistence.OutcomeConflict, r.kickback(ctx, task, persistence.Report{
			Kind:    persistence.ReportMergeConflict,
			Summary: err.Error(),
			Detail:  map[string]any{"branch": branch, "base_commit": base},
		}, persistence.ReviewNeedsReview)
	}

	err = r.git.MergeSquash(ctx, trunk, src)
	if vcs.IsConflict(err) && r.settings.Refinery.AutoRebase {
		log.InfoContext(ctx, "squash conflicted; rebasing branch onto trunk", "error", err)
		if rebased, rerr := r.rebase(ctx, project, mirror, proj, task, src); rerr == nil {
			src = rebased
			err = r.git.MergeSquash(ctx, trunk, src)
		} else {
			log.WarnContext(ctx, "rebase failed", "error", rerr)
		}
	}
	var conflict *vcs.ConflictError
	if errors.As(err, &conflict) {
		r.restore(ctx, trunk, base)
		finish(persistence.OutcomeConflict, strings.Join(conflict.Files, "\n"))
		return persistence.OutcomeConflict, r.kickback(ctx, task, persistence.Report{
			Kind:    persistence.ReportMergeConflict,
			Summary: fmt.Sprintf("squash of %s onto %s conflicts in %d file(s)", branch, proj.DefaultBranch, len(conflict.Files)),
			Detail:  map[string]any{"files": conflict.Files, "branch": branch, "base_commit": base},
		}, persistence.ReviewNeedsReview)
	}
	if err != nil {
		r.restore(ctx, trunk, base)
		finish(persistence.OutcomeAborted, err.Error())
		return persistence.OutcomeAborted, r.aborted(ctx, task, attempt, "squash", fmt.Errorf("squash %s: %w", src, err))
	}

	if proj.TestCommand != "" {
		vctx, cancel := context.WithTimeout(ctx, r.verifyTimeout())
		verr := r.verifier.Verify(vctx, trunk, proj.TestCommand)
		cancel()
		if verr != nil {
			r.restore(ctx, trunk, base)
			finish(persistence.OutcomeTestFailure, verr.Error())
			detail := map[string]any{"command": proj.TestCommand, "branch": branch, "base_commit": base}
			var ve *VerifyError
			if errors.As(verr, &ve) {
				detail["output_tail"] = ve.Output
			}
			return persistence.OutcomeTestFailure, r.kickback(ctx, task, persistence.Report{
				Kind:    persistence.ReportTestFailure,
				Summary: shared.Redact(verr.Error()),
				Detail:  detail,
			}, persistence.ReviewNeedsReview)
		}
	}

	commit := base
	if staged, err := r.git.IsDirty(ctx, trunk); err == nil && staged {
		commit, err = r.git.Commit(ctx, trunk, fmt.Sprintf("Merge %s: %s (%s)", branch, task.Title, task.ID), r.identity())
		if err != nil {
			r.restore(ctx, trunk, base)
			finish(persistence.OutcomeAborted, err.Error())
			return persistence.OutcomeAborted, r.aborted(ctx, task, attempt, "commit", fmt.Errorf("commit squash: %w", err))
		}
		if err := r.git.Push(ctx, trunk, proj.Remote, proj.DefaultBranch, vcs.PushOptions{}); err != nil {
			r.restore(ctx, trunk, base)
			finish(persistence.OutcomeAborted, err.Error())
			return persistence.OutcomeAborted, r.aborted(ctx, task, attempt, "push", fmt.Errorf("push trunk: %w", err))
		}
	} else {
		log.WarnContext(ctx, "branch adds nothing to trunk", "branch", branch)
	}
	finish(persistence.OutcomeMerged, commit)

	if strings.HasPrefix(src, proj.Remote+"/") {
		if err := r.git.DeleteRemoteBranch(ctx, mirror, proj.Remote, branch); err != nil {
			log.WarnContext(ctx, "delete remote branch", "branch", branch, "error", err)
		}
	}
	if _, err := r.store.Transition(ctx, task.ID, persistence.TaskUpdate{
		Status:      ptr(persistence.StatusDone),
		MergeCommit: &commit,
		CloseReason: ptr("merged"),
		Reason:      "merged",
	}, "task.merged", nil); err != nil {
		return persistence.OutcomeMerged, fmt.Errorf("mark %s done: %w", task.ID, err)
	}
	r.ws.Reclaim(ctx, task.ID)
	log.InfoContext(ctx, "task merged", "commit", commit, "branch", branch)
	return persistence.OutcomeMerged, nil
}

// rebase replays the task branch onto trunk in its worktree and pushes it
// back. It returns the ref to squash.
func (r *Refinery) rebase(ctx context.Context, project, mirror string, proj config.ProjectConfig, task *persistence.Task, src string) (string, error) {
	dir := workspace.PathFor(r.settings.WorkspaceRoot, project, task.ID)
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("no worktree for %s: %w", task.ID, err)
	}
	branch := branchOf(task)
	if strings.HasPrefix(src, proj.Remote+"/") {
		// The worktree may lag behind what was pushed.
		if err := r.git.ResetHard(ctx, dir, src); err != nil {
			return "", err
		}
	}
	if err := r.git.Rebase(ctx, dir, proj.Remote+"/"+proj.DefaultBranch); err != nil {
		return "", err
	}
	if src == branch {
		return branch, nil
	}
	if err := r.git.Push(ctx, dir, proj.Remote, branch, vcs.PushOptions{ForceWithLease: true}); err != nil {
		return "", fmt.Errorf("push rebased branch: %w", err)
	}
	if err := r.git.Fetch(ctx, mirror, proj.Remote); err != nil {
		return "", err
	}
	return src, nil
}

func (r *Refinery) restore(ctx context.Context, trunk, base string) {
	if err := r.git.ResetHard(ctx, trunk, base); err != nil {
		r.logger.ErrorContext(ctx, "reset trunk checkout", "base", base, "error", err)
	}
}

// kickback blocks a merge_ready task with its failure report.
func (r *Refinery) kickback(ctx context.Context, task *persistence.Task, report persistence.Report, decision string) error {
	if _, err := r.store.Block(ctx, task.ID, "", report, decision); err != nil {
		return fmt.Errorf("block %s: %w", task.ID, err)
	}
	r.logger.WarnContext(ctx, "task kicked back", "task_id", task.ID, "kind", report.Kind, "summary", report.Summary)
	return nil
}

// aborted records why an attempt was abandoned and returns the error that
// ends the pass. A task that has used its attempts is kicked back for review
// instead, so one broken branch cannot hold the queue.
func (r *Refinery) aborted(ctx context.Context, task *persistence.Task, attempt persistence.IntegrationAttempt, stage string, cause error) error {
	summary := shared.Redact(cause.Error())
	detail := map[string]any{"stage": stage, "attempt": attempt.AttemptCount, "base_commit": attempt.BaseCommit}
	if attempt.AttemptCount >= r.maxAttempts() {
		detail["max_attempts"] = r.maxAttempts()
		return r.kickback(ctx, task, persistence.Report{
			Kind:    persistence.ReportMaxAttempts,
			Summary: fmt.Sprintf("%d integration attempts; last %s failed: %s", attempt.AttemptCount, stage, summary),
			Detail:  detail,
		}, persistence.ReviewNeedsReview)
	}
	if _, err := r.store.AttachReport(ctx, persistence.Report{
		TaskID:  task.ID,
		Kind:    persistence.ReportIntegrationAborted,
		Summary: summary,
		Detail:  detail,
	}); err != nil {
		r.logger.ErrorContext(ctx, "attach abort report", "task_id", task.ID, "error", err)
	}
	return cause
}

func (r *Refinery) verifyTimeout() time.Duration {
	if r.settings.Refinery.VerifyTimeout <= 0 {
		return 15 * time.Minute
	}
	return r.settings.Refinery.VerifyTimeout
}

func ptr[T any](v T) *T { return &v }
