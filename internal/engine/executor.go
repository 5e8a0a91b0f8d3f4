package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"mvdan.cc/sh/v3/shell"

	"github.com/basket/polecat/internal/persistence"
	"github.com/basket/polecat/internal/shared"
	"github.com/basket/polecat/internal/workspace"
)

// Job is everything an executor gets for one attempt at a task.
type Job struct {
	Task         persistence.Task
	Workspace    workspace.Workspace
	Dependencies []persistence.Task
	// Reports are the failure reports of the dependencies and of the task
	// itself, oldest first.
	Reports  []persistence.Report
	Attempt  int
	WorkerID string

	beat func()
}

// Beat records progress. The pool beats for every running job on its own;
// an executor calls Beat only to report progress sooner.
func (j *Job) Beat() {
	if j.beat != nil {
		j.beat()
	}
}

// Executor performs the work of a task inside its workspace. It must stay
// within Job.Workspace.Path and return when ctx is done.
type Executor interface {
	Execute(ctx context.Context, job *Job) error
}

type ExecutorFunc func(ctx context.Context, job *Job) error

func (f ExecutorFunc) Execute(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// PanicError wraps a panic recovered from an executor.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("executor panicked: %v", e.Value)
}

func runSafely(ctx context.Context, ex Executor, job *Job) error {
	var (
		catcher panics.Catcher
		err     error
	)
	catcher.Try(func() {
		err = ex.Execute(ctx, job)
	})
	if r := catcher.Recovered(); r != nil {
		return &PanicError{Value: r.Value, Stack: string(r.Stack)}
	}
	return err
}

// OutputError carries the tail of a failed command's output.
type OutputError struct {
	Err    error
	Output string
}

func (e *OutputError) Error() string { return e.Err.Error() }
func (e *OutputError) Unwrap() error { return e.Err }

const outputTailBytes = 4096

// CommandExecutor runs a shell-split command line in the workspace. Task
// fields are exported as POLECAT_* variables and may be referenced in the
// command as $POLECAT_TASK_ID and so on. Output counts as a heartbeat.
type CommandExecutor struct {
	Command string
	Env     []string
	// GracePeriod is how long the process gets after an interrupt.
	GracePeriod time.Duration
	Logger      *slog.Logger
}

func (c *CommandExecutor) Execute(ctx context.Context, job *Job) error {
	vars := jobEnv(job)
	lookup := func(name string) string {
		for _, kv := range vars {
			if k, v, ok := strings.Cut(kv, "="); ok && k == name {
				return v
			}
		}
		return os.Getenv(name)
	}
	args, err := shell.Fields(c.Command, lookup)
	if err != nil {
		return fmt.Errorf("parse command %q: %w", c.Command, err)
	}
	if len(args) == 0 {
		return errors.New("executor command is empty")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = job.Workspace.Path
	cmd.Env = append(append(os.Environ(), c.Env...), vars...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = c.GracePeriod
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 10 * time.Second
	}
	out := &tailWriter{limit: outputTailBytes, beat: job.Beat}
	cmd.Stdout = out
	cmd.Stderr = out

	if c.Logger != nil {
		c.Logger.InfoContext(ctx, "executor started", "command", shared.Redact(c.Command), "dir", cmd.Dir, "attempt", job.Attempt)
	}
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &OutputError{Err: err, Output: shared.Redact(out.String())}
	}
	return nil
}

func jobEnv(job *Job) []string {
	deps := make([]string, 0, len(job.Dependencies))
	for _, d := range job.Dependencies {
		deps = append(deps, d.ID)
	}
	return []string{
		"POLECAT_TASK_ID=" + job.Task.ID,
		"POLECAT_TASK_TITLE=" + job.Task.Title,
		"POLECAT_PROJECT=" + job.Task.Project,
		"POLECAT_BRANCH=" + job.Workspace.Branch,
		"POLECAT_WORKSPACE=" + job.Workspace.Path,
		"POLECAT_DEPENDENCIES=" + strings.Join(deps, ","),
		"POLECAT_WORKER_ID=" + job.WorkerID,
		"POLECAT_ATTEMPT=" + strconv.Itoa(job.Attempt),
	}
}

// tailWriter keeps the last limit bytes written and beats on every write.
type tailWriter struct {
	mu    sync.Mutex
	buf   []byte
	limit int
	beat  func()
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.buf = append(w.buf, p...)
	if over := len(w.buf) - w.limit; over > 0 {
		w.buf = w.buf[over:]
	}
	w.mu.Unlock()
	if w.beat != nil {
		w.beat()
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return string(w.buf)
}
