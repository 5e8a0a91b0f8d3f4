package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/polecat/internal/config"
	"github.com/basket/polecat/internal/engine"
	"github.com/basket/polecat/internal/persistence"
	"github.com/basket/polecat/internal/refinery"
)

func newSwarmCmd(a *app) *cobra.Command {
	var (
		workers      int
		untilEmpty   bool
		noMerge      bool
		drainTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:     "swarm",
		GroupID: "integrate",
		Short:   "Run the worker pool and the integration scheduler",
		Long: `Run the worker pool and the integration scheduler.

Workers claim ready tasks, run pool.command in each task's workspace and
submit the result for review. The refinery runs on refinery.schedule. On
SIGINT or SIGTERM the pool stops claiming and waits up to --drain-timeout
for running work; unfinished tasks go back to the pool.

With --until-empty the pool stops once no task is ready, and the command
exits with status 3 if it claimed nothing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.Pool.Command == "" {
				return fmt.Errorf("pool.command is not configured in %s", config.ConfigPath(a.cfg.HomeDir))
			}
			size := a.cfg.Pool.Size
			if workers > 0 {
				size = workers
			}
			return a.swarm(cmd.Context(), size, untilEmpty, !noMerge, drainTimeout)
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "worker count (default pool.size)")
	cmd.Flags().BoolVar(&untilEmpty, "until-empty", false, "exit when no task is ready")
	cmd.Flags().BoolVar(&noMerge, "no-merge", false, "do not run the refinery scheduler")
	cmd.Flags().DurationVar(&drainTimeout, "drain-timeout", time.Minute, "how long to wait for running work on shutdown")
	return cmd
}

func (a *app) swarm(parent context.Context, size int, untilEmpty, merge bool, drainTimeout time.Duration) error {
	sigCtx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	// Workers outlive the signal so Drain can let them finish.
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(parent))
	defer cancelRun()

	pool := a.cfg.Pool
	eng := engine.New(a.store, a.ws, &engine.CommandExecutor{Command: pool.Command, Logger: a.logger}, engine.Config{
		Size:              size,
		Caller:            a.caller,
		Projects:          pool.Projects,
		PollInterval:      pool.PollInterval,
		HeartbeatInterval: pool.HeartbeatInterval,
		StallMultiple:     pool.StallMultiple,
		TaskTimeout:       pool.TaskTimeout,
		StallGrace:        pool.StallGrace,
		Push:              a.cfg.Finish.Push,
		StopWhenEmpty:     untilEmpty,
		Bus:               a.bus,
		Logger:            a.logger,
		Tracer:            a.provider.Tracer,
		Metrics:           a.metrics,
	})

	watcher := config.NewWatcher(a.cfg, a.logger)
	if err := watcher.Start(runCtx); err != nil {
		a.logger.Warn("config watcher unavailable; review table will not hot-reload", "error", err)
	} else {
		go a.router.Follow(runCtx, watcher.Events(), a.logger)
	}

	var sched *refinery.Scheduler
	if merge {
		s, err := refinery.NewScheduler(refinery.SchedulerConfig{
			Runner:   a.refinery,
			Schedule: a.cfg.Refinery.Schedule,
			Logger:   a.logger,
		})
		if err != nil {
			return err
		}
		sched = s
		sched.Start(runCtx)
	}

	fmt.Fprintf(a.errOut, "swarm: %d worker(s) as %s\n", size, a.caller)
	done := make(chan error, 1)
	go func() { done <- eng.Run(runCtx) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-sigCtx.Done():
		fmt.Fprintln(a.errOut, "swarm: draining")
		drainCtx, cancel := context.WithTimeout(runCtx, drainTimeout)
		if err := eng.Drain(drainCtx); err != nil {
			a.logger.Warn("drain timed out; running tasks returned to the pool", "error", err)
		}
		cancel()
		runErr = <-done
	}
	if sched != nil {
		sched.Stop()
		if untilEmpty && sigCtx.Err() == nil {
			// Integrate what the last workers submitted.
			if _, err := a.refinery.RunOnce(runCtx); err != nil && !errors.Is(err, persistence.ErrIntegrationInFlight) {
				a.logger.Error("final merge pass", "error", err)
			}
		}
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	claimed := eng.Claimed()
	fmt.Fprintf(a.errOut, "swarm: claimed %d task(s)\n", claimed)
	if untilEmpty && claimed == 0 {
		return &exitCodeError{code: exitEmpty}
	}
	return nil
}
