package persistence_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/polecat/internal/persistence"
)

func TestLease_ExclusiveAcrossProcesses(t *testing.T) {
	store, dbPath := openTestStore(t)
	ctx := context.Background()
	other, err := persistence.Open(dbPath, nil)
	require.NoError(t, err)
	defer other.Close()

	lease, err := store.AcquireLease(ctx, "host:1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "host:1", lease.Owner)

	_, err = other.AcquireLease(ctx, "host:2", time.Minute)
	require.ErrorIs(t, err, persistence.ErrLeaseHeld)
	require.ErrorIs(t, other.RenewLease(ctx, "host:2", time.Minute), persistence.ErrLeaseHeld)

	again, err := store.AcquireLease(ctx, "host:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, lease.AcquiredAt.Equal(again.AcquiredAt), "re-acquiring keeps the original grant")
	require.NoError(t, store.RenewLease(ctx, "host:1", time.Minute))

	// A foreign release is ignored.
	require.NoError(t, other.ReleaseLease(ctx, "host:2"))
	current, err := other.CurrentLease(ctx)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, "host:1", current.Owner)

	require.NoError(t, store.ReleaseLease(ctx, "host:1"))
	current, err = other.CurrentLease(ctx)
	require.NoError(t, err)
	assert.Nil(t, current)
	_, err = other.AcquireLease(ctx, "host:2", time.Minute)
	require.NoError(t, err)
}

func TestLease_ExpiredLeaseIsTakenOver(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	store.SetClock(func() time.Time { return now })

	_, err := store.AcquireLease(ctx, "crashed", time.Minute)
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	_, err = store.AcquireLease(ctx, "next", time.Minute)
	require.ErrorIs(t, err, persistence.ErrLeaseHeld)

	now = now.Add(time.Minute)
	lease, err := store.AcquireLease(ctx, "next", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "next", lease.Owner)
	assert.True(t, lease.AcquiredAt.Equal(now))

	// The old holder learns it lost the lease on its next renewal.
	require.ErrorIs(t, store.RenewLease(ctx, "crashed", time.Minute), persistence.ErrLeaseHeld)
}

func TestBeginIntegration_RecordsOwner(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	createTask(t, store, "app-1")

	a, err := store.BeginIntegration(ctx, persistence.IntegrationAttempt{TaskID: "app-1", Owner: "host:1:abcd"})
	require.NoError(t, err)
	pending, err := store.PendingIntegrations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)
	assert.Equal(t, "host:1:abcd", pending[0].Owner)
}
