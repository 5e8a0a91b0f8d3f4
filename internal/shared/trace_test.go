package shared_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/basket/polecat/internal/shared"
)

func TestTraceID_DefaultsToDash(t *testing.T) {
	assert.Equal(t, "-", shared.TraceID(context.Background()))
}

func TestContextIDsRoundTrip(t *testing.T) {
	ctx := shared.WithTraceID(context.Background(), "tr-1")
	ctx = shared.WithRunID(ctx, "run-1")
	ctx = shared.WithTaskID(ctx, "app-1")
	ctx = shared.WithWorkerID(ctx, "alice/w0")

	assert.Equal(t, "tr-1", shared.TraceID(ctx))
	assert.Equal(t, "run-1", shared.RunID(ctx))
	assert.Equal(t, "app-1", shared.TaskID(ctx))
	assert.Equal(t, "alice/w0", shared.WorkerID(ctx))
	assert.Equal(t, []any{"trace_id", "tr-1", "run_id", "run-1", "task_id", "app-1", "worker_id", "alice/w0"}, shared.LogAttrs(ctx))
}

func TestLogAttrs_Empty(t *testing.T) {
	assert.Empty(t, shared.LogAttrs(context.Background()))
}

func TestNewIDsAreUnique(t *testing.T) {
	assert.NotEqual(t, shared.NewTraceID(), shared.NewTraceID())
	assert.NotEqual(t, shared.NewRunID(), shared.NewRunID())
}
