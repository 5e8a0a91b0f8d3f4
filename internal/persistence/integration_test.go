package persistence_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/polecat/internal/persistence"
)

func TestBeginIntegration_OnlyOneInFlight(t *testing.T) {
	store, dbPath := openTestStore(t)
	ctx := context.Background()
	createTask(t, store, "app-1")
	createTask(t, store, "app-2")

	first, err := store.BeginIntegration(ctx, persistence.IntegrationAttempt{TaskID: "app-1", Branch: "polecat/app-1", BaseCommit: "abc"})
	require.NoError(t, err)
	assert.Equal(t, persistence.OutcomePending, first.Outcome)
	assert.Equal(t, 1, first.AttemptCount)

	_, err = store.BeginIntegration(ctx, persistence.IntegrationAttempt{TaskID: "app-2", Branch: "polecat/app-2"})
	require.ErrorIs(t, err, persistence.ErrIntegrationInFlight)

	// Another process sees the same slot as taken.
	other, err := persistence.Open(dbPath, nil)
	require.NoError(t, err)
	defer other.Close()
	_, err = other.BeginIntegration(ctx, persistence.IntegrationAttempt{TaskID: "app-2"})
	require.ErrorIs(t, err, persistence.ErrIntegrationInFlight)

	// The refused attempt did not bump the counter.
	task2, err := store.Get(ctx, "app-2")
	require.NoError(t, err)
	assert.Equal(t, 0, task2.IntegrationAttempts)

	require.NoError(t, store.FinishIntegration(ctx, first.ID, persistence.OutcomeMerged, ""))
	err = store.FinishIntegration(ctx, first.ID, persistence.OutcomeMerged, "")
	require.ErrorIs(t, err, persistence.ErrNotFound)

	second, err := store.BeginIntegration(ctx, persistence.IntegrationAttempt{TaskID: "app-2"})
	require.NoError(t, err)
	pending, err := store.PendingIntegrations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)
}

func TestIntegrationAttempts_CountsMergesOnly(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	createTask(t, store, "app-1")

	for i := 0; i < 2; i++ {
		a, err := store.BeginIntegration(ctx, persistence.IntegrationAttempt{TaskID: "app-1"})
		require.NoError(t, err)
		require.NoError(t, store.FinishIntegration(ctx, a.ID, persistence.OutcomeConflict, "README.md"))
	}
	rev, err := store.BeginIntegration(ctx, persistence.IntegrationAttempt{TaskID: "app-1", Kind: persistence.KindRevert, BaseCommit: "def"})
	require.NoError(t, err)
	require.NoError(t, store.FinishIntegration(ctx, rev.ID, persistence.OutcomeMerged, ""))

	attempts, err := store.IntegrationAttempts(ctx, "app-1")
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, 1, attempts[0].AttemptCount)
	assert.Equal(t, 2, attempts[1].AttemptCount)
	assert.Equal(t, persistence.KindRevert, attempts[2].Kind)
	assert.Equal(t, "def", attempts[2].BaseCommit)
	assert.NotNil(t, attempts[2].FinishedAt)

	task, err := store.Get(ctx, "app-1")
	require.NoError(t, err)
	assert.Equal(t, 2, task.IntegrationAttempts)
}

func TestFinishIntegration_RejectsPendingOutcome(t *testing.T) {
	store, _ := openTestStore(t)
	err := store.FinishIntegration(context.Background(), 1, persistence.OutcomePending, "")
	require.ErrorIs(t, err, persistence.ErrInvalidTransition)
}
