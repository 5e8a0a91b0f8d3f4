// Package engine runs the worker pool: a fixed number of slots that claim
// ready tasks, set up their workspaces, run the executor and submit the
// result for review.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/basket/polecat/internal/bus"
	"github.com/basket/polecat/internal/otel"
	"github.com/basket/polecat/internal/persistence"
	"github.com/basket/polecat/internal/shared"
	"github.com/basket/polecat/internal/workspace"
)

// Workspaces is the part of the workspace manager the pool drives.
type Workspaces interface {
	Setup(ctx context.Context, task *persistence.Task) (*workspace.Workspace, error)
	Finish(ctx context.Context, taskID string, opts workspace.FinishOptions) (*workspace.FinishResult, error)
	Reclaim(ctx context.Context, taskID string) bool
}

type Config struct {
	Size     int
	Caller   string
	Projects []string

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	StallMultiple     int
	TaskTimeout       time.Duration
	// StallGrace bounds how long a cancelled stale run may take to exit
	// before its task is recovered anyway.
	StallGrace time.Duration

	// Push is passed to Finish.
	Push bool
	// StopWhenEmpty ends Run once no task is ready and no worker is busy.
	StopWhenEmpty bool

	SetupBackoffInitial time.Duration
	SetupBackoffMax     time.Duration

	Bus     *bus.Bus
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otel.Metrics
}

type WorkerStatus string

const (
	WorkerIdle      WorkerStatus = "idle"
	WorkerClaiming  WorkerStatus = "claiming"
	WorkerRunning   WorkerStatus = "running"
	WorkerReporting WorkerStatus = "reporting"
	WorkerDone      WorkerStatus = "done"
	WorkerFailed    WorkerStatus = "failed"
)

// WorkerState is a point-in-time view of one slot.
type WorkerState struct {
	ID            string       `json:"worker_id"`
	State         WorkerStatus `json:"state"`
	TaskID        string       `json:"task_id,omitempty"`
	LastHeartbeat time.Time    `json:"last_heartbeat,omitempty"`
}

type slot struct {
	id string

	mu          sync.Mutex
	state       WorkerStatus
	taskID      string
	lastBeat    time.Time
	lastPersist time.Time
	cancel      context.CancelCauseFunc
	// stalledAt is set when the monitor cancels the run for missed
	// heartbeats; recovered once its task has been reclaimed.
	stalledAt time.Time
	recovered bool
}

func (s *slot) snapshot() WorkerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return WorkerState{ID: s.id, State: s.state, TaskID: s.taskID, LastHeartbeat: s.lastBeat}
}

type Engine struct {
	store *persistence.Store
	ws    Workspaces
	exec  Executor
	cfg   Config
	runID string

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics
	now     func() time.Time
	// pulseEvery is the slot heartbeat period; zero turns it off.
	pulseEvery time.Duration

	slots []*slot

	draining atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	wake     chan struct{}
	finished chan struct{}

	active  atomic.Int32
	claimed atomic.Int64
}

func New(store *persistence.Store, ws Workspaces, ex Executor, cfg Config) *Engine {
	if cfg.Size <= 0 {
		cfg.Size = 4
	}
	if cfg.Caller == "" {
		cfg.Caller = "polecat"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.StallMultiple <= 1 {
		cfg.StallMultiple = 3
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = time.Hour
	}
	if cfg.StallGrace <= 0 {
		cfg.StallGrace = 15 * time.Second
	}
	if cfg.SetupBackoffInitial <= 0 {
		cfg.SetupBackoffInitial = 30 * time.Second
	}
	if cfg.SetupBackoffMax <= 0 {
		cfg.SetupBackoffMax = 10 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:      store,
		ws:         ws,
		exec:       ex,
		cfg:        cfg,
		runID:      shared.NewRunID()[:8],
		logger:     logger.With("component", "engine"),
		tracer:     otel.TracerOrNoop(cfg.Tracer),
		metrics:    cfg.Metrics,
		now:        time.Now,
		pulseEvery: cfg.HeartbeatInterval,
		stop:       make(chan struct{}),
		wake:       make(chan struct{}, cfg.Size),
		finished:   make(chan struct{}),
	}
	for i := 0; i < cfg.Size; i++ {
		e.slots = append(e.slots, &slot{id: fmt.Sprintf("%s%d", e.workerPrefix(), i), state: WorkerIdle})
	}
	return e
}

// workerPrefix is shared by every slot id of this pool run. The run
// component keeps two pools started under the same caller apart.
func (e *Engine) workerPrefix() string {
	return fmt.Sprintf("%s/%s/w", e.cfg.Caller, e.runID)
}

// IsWorkerID reports whether id names a pool slot of caller, from any run.
func IsWorkerID(caller, id string) bool {
	rest, ok := strings.CutPrefix(id, caller+"/")
	if !ok {
		return false
	}
	run, slot, ok := strings.Cut(rest, "/")
	return ok && run != "" && strings.HasPrefix(slot, "w")
}

// SetClock overrides the clock used for heartbeats; tests only.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// StallThreshold is how long a worker may go without a heartbeat.
func (e *Engine) StallThreshold() time.Duration {
	return e.cfg.HeartbeatInterval * time.Duration(e.cfg.StallMultiple)
}

// Run starts the workers and the stall monitor and blocks until ctx is done,
// Drain completes, or, with StopWhenEmpty, the queue runs dry.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.finished)
	e.logger.Info("worker pool starting", "size", e.cfg.Size, "caller", e.cfg.Caller, "run", e.runID, "projects", e.cfg.Projects)

	monCtx, stopMonitor := context.WithCancel(ctx)
	var monWG sync.WaitGroup
	monWG.Add(1)
	go func() {
		defer monWG.Done()
		e.monitor(monCtx)
	}()
	if e.cfg.Bus != nil {
		sub := e.cfg.Bus.Subscribe(bus.TopicTaskStateChanged)
		monWG.Add(1)
		go func() {
			defer monWG.Done()
			defer e.cfg.Bus.Unsubscribe(sub)
			e.wakeOnChanges(monCtx, sub)
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range e.slots {
		g.Go(func() error {
			e.work(gctx, s)
			return nil
		})
	}
	err := g.Wait()
	stopMonitor()
	monWG.Wait()
	e.logger.Info("worker pool stopped", "claimed", e.claimed.Load())
	return err
}

// Drain stops claiming and waits for running workers. When ctx ends first,
// running work is cancelled and its tasks are returned to the pool.
func (e *Engine) Drain(ctx context.Context) error {
	e.draining.Store(true)
	e.stopOnce.Do(func() { close(e.stop) })
	select {
	case <-e.finished:
		return nil
	case <-ctx.Done():
		for _, s := range e.slots {
			s.mu.Lock()
			if s.cancel != nil {
				s.cancel(ErrDraining)
			}
			s.mu.Unlock()
		}
		<-e.finished
		return ctx.Err()
	}
}

// Snapshot reports every worker's state.
func (e *Engine) Snapshot() []WorkerState {
	out := make([]WorkerState, 0, len(e.slots))
	for _, s := range e.slots {
		out = append(out, s.snapshot())
	}
	return out
}

// ActiveWorkers is the number of workers holding a task.
func (e *Engine) ActiveWorkers() int {
	return int(e.active.Load())
}

// Claimed is the number of tasks claimed since Run started.
func (e *Engine) Claimed() int64 {
	return e.claimed.Load()
}

func (e *Engine) work(ctx context.Context, s *slot) {
	for {
		if e.draining.Load() || ctx.Err() != nil {
			e.setState(s, WorkerIdle, "")
			return
		}
		e.setState(s, WorkerClaiming, "")
		task, err := e.store.Claim(ctx, s.id, e.cfg.Projects...)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("claim failed", "worker_id", s.id, "error", err)
		}
		if task == nil {
			e.setState(s, WorkerIdle, "")
			if err == nil && e.cfg.StopWhenEmpty && e.active.Load() == 0 {
				return
			}
			if !e.idle(ctx) {
				return
			}
			continue
		}
		e.claimed.Add(1)
		e.metrics.RecordClaim(ctx, task.Project)
		e.runTask(ctx, s, task)
	}
}

// idle waits for the next poll tick or a wake-up. It returns false when the
// worker should exit.
func (e *Engine) idle(ctx context.Context) bool {
	t := time.NewTimer(e.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-e.stop:
		return false
	case <-e.wake:
		return true
	case <-t.C:
		return true
	}
}

// wakeOnChanges nudges idle workers when tasks change state, so a finished
// dependency is picked up without waiting for the poll interval.
func (e *Engine) wakeOnChanges(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if p, ok := ev.Payload.(bus.TaskStateChangedEvent); ok && p.NewStatus != string(persistence.StatusDone) && p.NewStatus != string(persistence.StatusUnclaimed) {
				continue
			}
			select {
			case e.wake <- struct{}{}:
			default:
			}
		}
	}
}

func (e *Engine) runTask(ctx context.Context, s *slot, task *persistence.Task) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithWorkerID(shared.WithTaskID(ctx, task.ID), s.id)
	ctx, span := otel.StartSpan(ctx, e.tracer, "engine.task",
		otel.AttrTaskID.String(task.ID),
		otel.AttrWorkerID.String(s.id),
		otel.AttrProject.String(task.Project),
	)
	defer span.End()
	log := e.logger.With("task_id", task.ID, "worker_id", s.id)

	e.active.Add(1)
	e.metrics.WorkerStarted(ctx)
	defer func() {
		e.active.Add(-1)
		e.metrics.WorkerStopped(ctx)
	}()

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	s.mu.Lock()
	s.taskID = task.ID
	s.lastBeat = e.now()
	s.lastPersist = s.lastBeat
	s.cancel = cancel
	s.stalledAt = time.Time{}
	s.recovered = false
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()
	stopPulse := e.pulse(jobCtx, s, task.ID)
	defer stopPulse()
	e.setState(s, WorkerRunning, task.ID)
	log.InfoContext(ctx, "task claimed", "priority", task.Priority)

	ws, err := e.ws.Setup(jobCtx, task)
	if err != nil {
		if cause := context.Cause(jobCtx); cause != nil {
			e.abandon(ctx, s, task, cause)
			return
		}
		e.setupFailed(ctx, s, task, err)
		return
	}

	job := e.hydrate(jobCtx, s, task, ws)
	var runErr error
	for attempt := 1; attempt <= 2; attempt++ {
		job.Attempt = attempt
		runCtx, runCancel := context.WithTimeout(jobCtx, e.cfg.TaskTimeout)
		started := e.now()
		runErr = runSafely(runCtx, e.exec, job)
		runCancel()
		e.metrics.RecordRun(ctx, e.now().Sub(started), runErr, Retryable(runErr))

		if cause := context.Cause(jobCtx); cause != nil {
			e.abandon(ctx, s, task, cause)
			return
		}
		if runErr == nil || attempt == 2 || !Retryable(runErr) {
			break
		}
		log.WarnContext(ctx, "executor failed; retrying once", "error", runErr, "class", ClassifyError(runErr))
		e.beat(ctx, s, task.ID)
	}

	e.setState(s, WorkerReporting, task.ID)
	if runErr != nil {
		e.fail(ctx, s, task, runErr, job.Attempt)
		return
	}
	res, err := e.ws.Finish(jobCtx, task.ID, workspace.FinishOptions{Push: e.cfg.Push, Caller: s.id})
	if err != nil {
		if cause := context.Cause(jobCtx); cause != nil {
			e.abandon(ctx, s, task, cause)
			return
		}
		e.fail(ctx, s, task, fmt.Errorf("finish: %w", err), job.Attempt)
		return
	}
	e.setState(s, WorkerDone, task.ID)
	log.InfoContext(ctx, "task submitted for review", "files", len(res.ChangedFiles), "pushed", res.Pushed, "attempts", job.Attempt)
}

func (e *Engine) hydrate(ctx context.Context, s *slot, task *persistence.Task, ws *workspace.Workspace) *Job {
	job := &Job{Task: *task, Workspace: *ws, WorkerID: s.id}
	job.beat = func() { e.beat(ctx, s, task.ID) }

	deps, err := e.store.Dependencies(ctx, task.ID)
	if err != nil {
		e.logger.Warn("load dependencies", "task_id", task.ID, "error", err)
	}
	job.Dependencies = deps
	for _, id := range append(dependencyIDs(deps), task.ID) {
		reports, err := e.store.Reports(ctx, id)
		if err != nil {
			e.logger.Warn("load reports", "task_id", id, "error", err)
			continue
		}
		job.Reports = append(job.Reports, reports...)
	}
	sort.SliceStable(job.Reports, func(i, j int) bool {
		return job.Reports[i].CreatedAt.Before(job.Reports[j].CreatedAt)
	})
	return job
}

func dependencyIDs(deps []persistence.Task) []string {
	ids := make([]string, 0, len(deps))
	for _, d := range deps {
		ids = append(ids, d.ID)
	}
	return ids
}

// pulse beats for the slot every pulse period until the run ends, covering
// setup, a quiet executor and the finishing push alike. The returned func
// stops it.
func (e *Engine) pulse(ctx context.Context, s *slot, taskID string) func() {
	if e.pulseEvery <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(e.pulseEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				e.beat(ctx, s, taskID)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// beat records liveness in memory and, at most twice per heartbeat
// interval, on the task row. A rejected heartbeat from a worker whose task
// was taken away cancels its run.
func (e *Engine) beat(ctx context.Context, s *slot, taskID string) {
	now := e.now()
	s.mu.Lock()
	if s.taskID != taskID {
		s.mu.Unlock()
		return
	}
	s.lastBeat = now
	persist := now.Sub(s.lastPersist) >= e.cfg.HeartbeatInterval/2
	if persist {
		s.lastPersist = now
	}
	s.mu.Unlock()
	if !persist {
		return
	}
	ok, err := e.store.Heartbeat(ctx, taskID, s.id)
	switch {
	case err != nil:
		if ctx.Err() == nil {
			e.logger.Warn("heartbeat failed", "task_id", taskID, "worker_id", s.id, "error", err)
		}
	case !ok && e.claimLost(ctx, s, taskID):
		e.logger.Warn("heartbeat rejected; task no longer held", "task_id", taskID, "worker_id", s.id)
		s.mu.Lock()
		if s.taskID == taskID && s.cancel != nil {
			s.cancel(ErrClaimLost)
			s.cancel = nil
		}
		s.mu.Unlock()
	}
}

// claimLost reports whether someone else now owns taskID. A task this slot
// already submitted is not lost.
func (e *Engine) claimLost(ctx context.Context, s *slot, taskID string) bool {
	task, err := e.store.Get(ctx, taskID)
	if err != nil {
		return false
	}
	switch task.Status {
	case persistence.StatusInProgress:
		return task.Assignee != s.id
	case persistence.StatusUnclaimed:
		return true
	default:
		return task.LastAssignee != s.id
	}
}

func (e *Engine) countReports(ctx context.Context, taskID, kind string) int {
	reports, err := e.store.Reports(ctx, taskID)
	if err != nil {
		e.logger.WarnContext(ctx, "load reports", "task_id", taskID, "error", err)
		return 0
	}
	n := 0
	for _, r := range reports {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

func (e *Engine) setupFailed(ctx context.Context, s *slot, task *persistence.Task, cause error) {
	e.metrics.RecordSetupFailure(ctx, task.Project)
	prior := e.countReports(ctx, task.ID, persistence.ReportSetupFailure)
	delay := e.setupDelay(prior)
	_, err := e.store.Requeue(ctx, task.ID, persistence.RequeueOptions{
		ExpectAssignee: s.id,
		NotBefore:      e.store.Now().Add(delay),
		Reason:         persistence.ReportSetupFailure,
		Report: &persistence.Report{
			Kind:    persistence.ReportSetupFailure,
			Summary: shared.Redact(cause.Error()),
			Detail: map[string]any{
				"worker_id": s.id,
				"failures":  prior + 1,
				"retry_in":  delay.String(),
			},
		},
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "requeue after setup failure", "task_id", task.ID, "error", err)
	}
	e.setState(s, WorkerFailed, task.ID)
	e.logger.WarnContext(ctx, "workspace setup failed; task returned to pool", "task_id", task.ID, "error", cause, "retry_in", delay)
}

// setupDelay is the claim backoff after n earlier setup failures.
func (e *Engine) setupDelay(n int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.SetupBackoffInitial
	b.MaxInterval = e.cfg.SetupBackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.NextBackOff()
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (e *Engine) fail(ctx context.Context, s *slot, task *persistence.Task, runErr error, attempts int) {
	detail := map[string]any{
		"worker_id": s.id,
		"attempts":  attempts,
		"class":     string(ClassifyError(runErr)),
	}
	var oe *OutputError
	if errors.As(runErr, &oe) && oe.Output != "" {
		detail["output_tail"] = oe.Output
	}
	var pe *PanicError
	if errors.As(runErr, &pe) {
		detail["stack"] = pe.Stack
	}
	_, err := e.store.Block(ctx, task.ID, s.id, persistence.Report{
		Kind:    persistence.ReportExecutorFailure,
		Summary: shared.Redact(runErr.Error()),
		Detail:  detail,
	}, "")
	switch {
	case errors.Is(err, persistence.ErrClaimConflict), errors.Is(err, persistence.ErrNotAssignee):
		e.logger.WarnContext(ctx, "discarding result; task no longer held", "task_id", task.ID)
	case err != nil:
		e.logger.ErrorContext(ctx, "block task after executor failure", "task_id", task.ID, "error", err)
	}
	e.setState(s, WorkerFailed, task.ID)
	e.logger.WarnContext(ctx, "executor failed; task blocked", "task_id", task.ID, "error", runErr, "attempts", attempts)
}

// abandon handles work whose context was cancelled. A stale run has exited
// by now, so its workspace is reclaimed and the task recovered here unless
// the monitor already gave up waiting. A lost claim is dropped untouched.
// Otherwise the task goes back to the pool with its workspace intact so the
// next claimant resumes it.
func (e *Engine) abandon(ctx context.Context, s *slot, task *persistence.Task, cause error) {
	defer e.setState(s, WorkerIdle, "")
	switch {
	case errors.Is(cause, ErrStaleWorker):
		s.mu.Lock()
		done, last := s.recovered, s.lastBeat
		s.recovered = true
		s.mu.Unlock()
		if !done {
			e.recoverStale(context.WithoutCancel(ctx), task.ID, s.id, last)
		}
		e.logger.Warn("stale worker result discarded", "task_id", task.ID, "worker_id", s.id)
		return
	case errors.Is(cause, ErrClaimLost):
		e.logger.Warn("result discarded; task no longer held", "task_id", task.ID, "worker_id", s.id)
		return
	}
	_, err := e.store.Requeue(context.WithoutCancel(ctx), task.ID, persistence.RequeueOptions{
		ExpectAssignee: s.id,
		Reason:         "shutdown",
	})
	if err != nil {
		e.logger.Error("requeue on shutdown", "task_id", task.ID, "error", err)
		return
	}
	e.logger.Info("task returned to pool", "task_id", task.ID, "cause", cause)
}

func (e *Engine) setState(s *slot, state WorkerStatus, taskID string) {
	s.mu.Lock()
	changed := s.state != state || s.taskID != taskID
	s.state = state
	s.taskID = taskID
	s.mu.Unlock()
	if changed && e.cfg.Bus != nil {
		e.cfg.Bus.Publish(bus.TopicWorkerState, bus.WorkerStateEvent{WorkerID: s.id, TaskID: taskID, State: string(state)})
	}
}
