package refinery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/polecat/internal/audit"
	"github.com/basket/polecat/internal/bus"
	"github.com/basket/polecat/internal/otel"
	"github.com/basket/polecat/internal/persistence"
	"github.com/basket/polecat/internal/shared"
	"github.com/basket/polecat/internal/vcs"
)

func (r *Refinery) reviewable(ctx context.Context, id string) (*persistence.Task, error) {
	task, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != persistence.StatusReview && task.Status != persistence.StatusBlocked {
		return nil, fmt.Errorf("%w: %s is %s, not awaiting review", persistence.ErrInvalidTransition, id, task.Status)
	}
	return task, nil
}

// Approve marks a reviewed or kicked-back task ready to merge.
func (r *Refinery) Approve(ctx context.Context, id, reviewer, note string) (*persistence.Task, error) {
	if _, err := r.reviewable(ctx, id); err != nil {
		return nil, err
	}
	task, err := r.store.Transition(ctx, id, persistence.TaskUpdate{
		Status:         ptr(persistence.StatusMergeReady),
		ReviewDecision: ptr(persistence.ReviewApproved),
		Reason:         fmt.Sprintf("approved by %s: %s", reviewer, note),
	}, "review.approved", nil)
	if err != nil {
		return nil, err
	}
	r.metrics.RecordReview(ctx, persistence.ReviewApproved)
	audit.Record(ctx, audit.Entry{Action: audit.ActionVerdict, Decision: persistence.ReviewApproved, Actor: reviewer, TaskID: id, Reason: note})
	r.logger.InfoContext(ctx, "task approved", "task_id", id, "reviewer", reviewer)
	return task, nil
}

// RequestChanges sends a task back to its last assignee with feedback.
func (r *Refinery) RequestChanges(ctx context.Context, id, reviewer, feedback string) (*persistence.Task, error) {
	if _, err := r.reviewable(ctx, id); err != nil {
		return nil, err
	}
	task, err := r.store.Transition(ctx, id, persistence.TaskUpdate{
		Status:         ptr(persistence.StatusInProgress),
		ReviewDecision: ptr(""),
		Reason:         "changes requested",
	}, "review.changes_requested", &persistence.Report{
		Kind:    persistence.ReportReviewChanges,
		Summary: feedback,
		Detail:  map[string]any{"reviewer": reviewer},
	})
	if err != nil {
		return nil, err
	}
	audit.Record(ctx, audit.Entry{Action: audit.ActionVerdict, Decision: "changes_requested", Actor: reviewer, TaskID: id, Reason: feedback})
	r.logger.InfoContext(ctx, "changes requested", "task_id", id, "reviewer", reviewer, "assignee", task.Assignee)
	return task, nil
}

// Reject cancels a task and reclaims its workspace.
func (r *Refinery) Reject(ctx context.Context, id, reviewer, reason string) (*persistence.Task, error) {
	if _, err := r.reviewable(ctx, id); err != nil {
		return nil, err
	}
	task, err := r.store.Transition(ctx, id, persistence.TaskUpdate{
		Status:      ptr(persistence.StatusCancelled),
		CloseReason: ptr("rejected: " + reason),
		Reason:      "rejected",
	}, "review.rejected", &persistence.Report{
		Kind:    persistence.ReportReviewRejected,
		Summary: reason,
		Detail:  map[string]any{"reviewer": reviewer},
	})
	if err != nil {
		return nil, err
	}
	r.ws.Reclaim(ctx, id)
	audit.Record(ctx, audit.Entry{Action: audit.ActionVerdict, Decision: "rejected", Actor: reviewer, TaskID: id, Reason: reason})
	r.logger.InfoContext(ctx, "task rejected", "task_id", id, "reviewer", reviewer)
	return task, nil
}

// Revert undoes a merged task on trunk as a serialized integration attempt
// and reopens the task for its last assignee with the regression evidence.
func (r *Refinery) Revert(ctx context.Context, id, evidence string) (task *persistence.Task, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx = shared.WithTaskID(ctx, id)
	ctx, span := otel.StartSpan(ctx, r.tracer, "refinery.revert",
		otel.AttrTaskID.String(id),
		otel.AttrIntegrationKind.String(persistence.KindRevert),
	)
	defer func() { otel.EndSpan(span, err) }()

	task, err = r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != persistence.StatusDone || task.MergeCommit == "" {
		return nil, fmt.Errorf("%w: %s (status %s)", ErrNotMerged, id, task.Status)
	}
	project, proj, err := r.settings.ResolveProject(task.Project)
	if err != nil {
		return nil, err
	}
	ctx, release, err := r.hold(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	if _, err := r.reconcile(ctx); err != nil {
		return nil, err
	}
	trunk, base, err := r.prepareTrunk(ctx, project, proj)
	if err != nil {
		return nil, err
	}
	attempt, err := r.store.BeginIntegration(ctx, persistence.IntegrationAttempt{
		TaskID:     id,
		Kind:       persistence.KindRevert,
		Branch:     proj.DefaultBranch,
		BaseCommit: base,
		Owner:      r.owner,
	})
	if err != nil {
		return nil, err
	}
	started := time.Now()
	r.bus.Publish(bus.TopicIntegrationStarted, bus.IntegrationEvent{AttemptID: attempt.ID, TaskID: id, Kind: attempt.Kind, Outcome: attempt.Outcome, BaseCommit: base})
	finish := func(outcome, detail string) {
		if ferr := r.store.FinishIntegration(ctx, attempt.ID, outcome, detail); ferr != nil {
			r.logger.ErrorContext(ctx, "record revert outcome", "task_id", id, "error", ferr)
		}
		r.metrics.RecordIntegration(ctx, persistence.KindRevert, outcome, time.Since(started))
		r.bus.Publish(bus.TopicIntegrationFinished, bus.IntegrationEvent{AttemptID: attempt.ID, TaskID: id, Kind: attempt.Kind, Outcome: outcome, BaseCommit: base})
	}

	revertCommit, err := r.git.Revert(ctx, trunk, task.MergeCommit, r.identity())
	if err != nil {
		r.restore(ctx, trunk, base)
		outcome := persistence.OutcomeAborted
		var conflict *vcs.ConflictError
		if errors.As(err, &conflict) {
			outcome = persistence.OutcomeConflict
		}
		finish(outcome, err.Error())
		return nil, fmt.Errorf("revert %s: %w", task.MergeCommit, err)
	}
	if err := r.git.Push(ctx, trunk, proj.Remote, proj.DefaultBranch, vcs.PushOptions{}); err != nil {
		r.restore(ctx, trunk, base)
		finish(persistence.OutcomeAborted, err.Error())
		return nil, fmt.Errorf("push revert: %w", err)
	}
	finish(persistence.OutcomeMerged, revertCommit)

	reopened, err := r.store.Reopen(ctx, id, "", persistence.Report{
		Kind:    persistence.ReportRegression,
		Summary: evidence,
		Detail: map[string]any{
			"merge_commit":  task.MergeCommit,
			"revert_commit": revertCommit,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("reopen %s: %w", id, err)
	}
	audit.Record(ctx, audit.Entry{Action: audit.ActionRevert, Decision: "reverted", Actor: "refinery", TaskID: id, Reason: evidence})
	r.logger.WarnContext(ctx, "task reverted and reopened", "task_id", id, "revert_commit", revertCommit, "assignee", reopened.Assignee)
	return reopened, nil
}
