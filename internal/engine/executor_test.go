package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/polecat/internal/persistence"
	"github.com/basket/polecat/internal/workspace"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func testJob(t *testing.T) *Job {
	t.Helper()
	return &Job{
		Task:         persistence.Task{ID: "app-7", Title: "Add login", Project: "app"},
		Workspace:    workspace.Workspace{TaskID: "app-7", Path: t.TempDir(), Branch: "polecat/app-7"},
		Dependencies: []persistence.Task{{ID: "app-3"}, {ID: "app-5"}},
		Attempt:      1,
		WorkerID:     "alice/w1",
	}
}

func TestCommandExecutor_ExportsTaskEnvironment(t *testing.T) {
	requireShell(t)
	job := testJob(t)
	ex := &CommandExecutor{Command: `sh -c 'printf "%s|%s|%s|%s" "$POLECAT_TASK_ID" "$POLECAT_BRANCH" "$POLECAT_DEPENDENCIES" "$POLECAT_WORKER_ID" > env.txt'`}

	require.NoError(t, ex.Execute(context.Background(), job))

	raw, err := os.ReadFile(filepath.Join(job.Workspace.Path, "env.txt"))
	require.NoError(t, err)
	assert.Equal(t, "app-7|polecat/app-7|app-3,app-5|alice/w1", string(raw))
}

func TestCommandExecutor_ExpandsTaskVariablesInCommand(t *testing.T) {
	requireShell(t)
	job := testJob(t)
	ex := &CommandExecutor{Command: `sh -c "echo started > $POLECAT_TASK_ID.log"`}

	require.NoError(t, ex.Execute(context.Background(), job))
	assert.FileExists(t, filepath.Join(job.Workspace.Path, "app-7.log"))
}

func TestCommandExecutor_FailureCarriesOutputTail(t *testing.T) {
	requireShell(t)
	job := testJob(t)
	var beats atomic.Int32
	job.beat = func() { beats.Add(1) }
	ex := &CommandExecutor{Command: `sh -c 'echo compiling; echo "boom password=hunter2secret" >&2; exit 3'`}

	err := ex.Execute(context.Background(), job)
	require.Error(t, err)
	var oe *OutputError
	require.ErrorAs(t, err, &oe)
	assert.Contains(t, oe.Output, "boom")
	assert.NotContains(t, oe.Output, "hunter2")
	assert.Equal(t, ErrorClassFatal, ClassifyError(err))
	assert.Positive(t, beats.Load())
}

func TestCommandExecutor_TempFailIsRetryable(t *testing.T) {
	requireShell(t)
	ex := &CommandExecutor{Command: "sh -c 'exit 75'"}
	err := ex.Execute(context.Background(), testJob(t))
	require.Error(t, err)
	assert.Equal(t, ErrorClassRetryable, ClassifyError(err))
	assert.True(t, Retryable(err))
}

func TestCommandExecutor_InterruptedOnCancel(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	ex := &CommandExecutor{Command: "sleep 30", GracePeriod: time.Second}

	start := time.Now()
	err := ex.Execute(ctx, testJob(t))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCommandExecutor_RejectsEmptyCommand(t *testing.T) {
	err := (&CommandExecutor{Command: "   "}).Execute(context.Background(), testJob(t))
	assert.Error(t, err)
}

func TestTailWriter_KeepsLastBytes(t *testing.T) {
	w := &tailWriter{limit: 8}
	_, _ = w.Write([]byte("0123456789"))
	_, _ = w.Write([]byte("ab"))
	assert.Equal(t, "456789ab", w.String())
}

func TestClassifyError(t *testing.T) {
	exit75 := exec.Command("sh", "-c", "exit 75").Run()
	cases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"marked retryable", RetryableError(errors.New("busy")), ErrorClassRetryable},
		{"wrapped retryable", fmt.Errorf("run: %w", RetryableError(errors.New("busy"))), ErrorClassRetryable},
		{"deadline", fmt.Errorf("run: %w", context.DeadlineExceeded), ErrorClassTimeout},
		{"network", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, ErrorClassNetwork},
		{"panic", &PanicError{Value: "boom"}, ErrorClassPanic},
		{"plain", errors.New("syntax error"), ErrorClassFatal},
	}
	if _, err := exec.LookPath("sh"); err == nil {
		cases = append(cases, struct {
			name string
			err  error
			want ErrorClass
		}{"exit 75", &OutputError{Err: exit75}, ErrorClassRetryable})
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyError(tc.err))
		})
	}
	assert.Nil(t, RetryableError(nil))
	assert.False(t, Retryable(errors.New("x")))
	assert.True(t, Retryable(context.DeadlineExceeded))
}

func TestRunSafely_RecoversPanic(t *testing.T) {
	err := runSafely(context.Background(), ExecutorFunc(func(context.Context, *Job) error {
		var m map[string]int
		m["x"]++
		return nil
	}), &Job{})
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.True(t, strings.Contains(pe.Stack, "runtime"), pe.Stack)
}
