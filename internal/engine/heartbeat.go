package engine

import (
	"context"
	"time"

	"github.com/basket/polecat/internal/bus"
	"github.com/basket/polecat/internal/persistence"
	"github.com/basket/polecat/internal/shared"
)

// monitor checks worker liveness once per heartbeat interval until ctx ends.
func (e *Engine) monitor(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.checkStalls(ctx)
		}
	}
}

// checkStalls cancels live workers that missed their heartbeats and requeues
// persisted in_progress rows left behind by a dead run of this caller's pool.
// A cancelled run recovers its own task once it has exited; the monitor
// steps in only when it is still running after the stall grace.
func (e *Engine) checkStalls(ctx context.Context) {
	threshold := e.StallThreshold()
	now := e.now()
	held := make(map[string]bool, len(e.slots))

	for _, s := range e.slots {
		s.mu.Lock()
		taskID, last, cancel := s.taskID, s.lastBeat, s.cancel
		if taskID != "" {
			held[taskID] = true
		}
		switch {
		case cancel != nil && now.Sub(last) > threshold:
			s.cancel = nil
			s.stalledAt = now
			s.mu.Unlock()
			e.logger.WarnContext(ctx, "worker missed heartbeats; cancelling", "task_id", taskID, "worker_id", s.id, "last_heartbeat", last)
			cancel(ErrStaleWorker)
		case !s.stalledAt.IsZero() && !s.recovered && now.Sub(s.stalledAt) > e.cfg.StallGrace:
			s.recovered = true
			s.mu.Unlock()
			e.logger.ErrorContext(ctx, "stale worker ignored cancellation", "task_id", taskID, "worker_id", s.id, "grace", e.cfg.StallGrace)
			e.recoverStale(ctx, taskID, s.id, last)
		default:
			s.mu.Unlock()
		}
	}

	stale, err := e.store.StaleTasks(ctx, e.store.Now().Add(-threshold))
	if err != nil {
		e.logger.Warn("list stale tasks", "error", err)
		return
	}
	for _, t := range stale {
		if held[t.ID] || !IsWorkerID(e.cfg.Caller, t.Assignee) {
			continue
		}
		last := t.UpdatedAt
		if t.HeartbeatAt != nil {
			last = *t.HeartbeatAt
		}
		e.recoverStale(ctx, t.ID, t.Assignee, last)
	}
}

// recoverStale reclaims the workspace of a dead worker's task and returns
// the task to the pool with a stale_worker report. A task that already
// stalled once is blocked instead.
func (e *Engine) recoverStale(ctx context.Context, taskID, workerID string, last time.Time) {
	ctx = shared.WithWorkerID(shared.WithTaskID(ctx, taskID), workerID)
	e.logger.WarnContext(ctx, "worker stalled", "task_id", taskID, "worker_id", workerID, "last_heartbeat", last)
	e.metrics.RecordStall(ctx)

	prior := e.countReports(ctx, taskID, persistence.ReportStaleWorker)
	reclaimed := e.ws.Reclaim(ctx, taskID)
	report := persistence.Report{
		Kind:    persistence.ReportStaleWorker,
		Summary: "worker " + workerID + " stopped heartbeating",
		Detail: map[string]any{
			"worker_id":      workerID,
			"last_heartbeat": last.UTC().Format(time.RFC3339),
			"threshold":      e.StallThreshold().String(),
			"reclaimed":      reclaimed,
			"stalls":         prior + 1,
		},
	}
	var err error
	if prior > 0 {
		_, err = e.store.Block(ctx, taskID, workerID, report, "")
		if err == nil {
			e.logger.WarnContext(ctx, "task stalled twice; blocked", "task_id", taskID)
		}
	} else {
		_, err = e.store.Requeue(ctx, taskID, persistence.RequeueOptions{
			ExpectAssignee: workerID,
			Reason:         persistence.ReportStaleWorker,
			Report:         &report,
		})
	}
	if err != nil {
		e.logger.ErrorContext(ctx, "recover stale task", "task_id", taskID, "error", err)
	}
	if e.cfg.Bus != nil {
		e.cfg.Bus.Publish(bus.TopicWorkerStall, bus.WorkerStallEvent{
			WorkerID:      workerID,
			TaskID:        taskID,
			LastHeartbeat: last.UTC().Format(time.RFC3339),
		})
	}
}
