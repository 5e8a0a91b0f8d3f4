package refinery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/polecat/internal/persistence"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@every 1m" or "@hourly".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Runner is one integration pass.
type Runner interface {
	RunOnce(ctx context.Context) (Summary, error)
}

type SchedulerConfig struct {
	Runner   Runner
	Schedule string // defaults to "@every 1m"
	Logger   *slog.Logger
}

// Scheduler runs refinery passes on a cron schedule.
type Scheduler struct {
	runner   Runner
	schedule cronlib.Schedule
	expr     string
	logger   *slog.Logger
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "@every 1m"
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:   cfg.Runner,
		schedule: sched,
		expr:     expr,
		logger:   logger.With("component", "refinery-scheduler"),
		now:      time.Now,
	}, nil
}

// Start runs a pass immediately and then on every scheduled time until ctx
// ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("refinery scheduler started", "schedule", s.expr)
}

// Stop cancels the loop and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("refinery scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	s.tick(ctx)
	for {
		next := s.schedule.Next(s.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	sum, err := s.runner.RunOnce(ctx)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, persistence.ErrIntegrationInFlight):
		s.logger.Info("refinery pass skipped", "error", err)
		return
	default:
		s.logger.Error("refinery pass failed", "error", err)
		return
	}
	if sum.Merged+sum.Conflicts+sum.TestFailures+sum.AutoMerge+sum.NeedsReview > 0 {
		s.logger.Info("refinery pass", "merged", sum.Merged, "conflicts", sum.Conflicts, "test_failures", sum.TestFailures)
	}
}

// NextRun returns the next scheduled pass after t.
func (s *Scheduler) NextRun(after time.Time) time.Time {
	return s.schedule.Next(after)
}
