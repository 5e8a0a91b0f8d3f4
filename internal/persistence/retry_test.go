package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsSQLiteBusy(t *testing.T) {
	tests := []struct {
		err    error
		expect bool
	}{
		{nil, false},
		{errors.New("some other error"), false},
		{errors.New("database is locked"), true},
		{errors.New("database table is locked"), true},
		{fmt.Errorf("wrapped: %w", errors.New("database is locked")), true},
		{sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{fmt.Errorf("claim: %w", sqlite3.Error{Code: sqlite3.ErrLocked}), true},
		{sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expect, isSQLiteBusy(tt.err), "%v", tt.err)
	}
}

func TestRetryOnBusy_NoError(t *testing.T) {
	calls := 0
	require.NoError(t, retryOnBusy(context.Background(), func() error {
		calls++
		return nil
	}))
	assert.Equal(t, 1, calls)
}

func TestRetryOnBusy_NonBusyErrorStops(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), func() error {
		calls++
		return ErrInvalidTransition
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 1, calls, "no retry on non-busy errors")
}

func TestRetryOnBusy_BusyThenSuccess(t *testing.T) {
	calls := 0
	require.NoError(t, retryOnBusy(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	}))
	assert.Equal(t, 3, calls)
}

func TestRetryOnBusy_ExhaustedRetries(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), func() error {
		calls++
		return errors.New("database is locked")
	})
	require.Error(t, err)
	assert.True(t, isSQLiteBusy(err))
	assert.Equal(t, busyRetries+1, calls)
}

func TestRetryOnBusy_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryOnBusy(ctx, func() error {
		calls++
		cancel()
		return errors.New("database is locked")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}))
	assert.True(t, isUniqueViolation(errors.New("UNIQUE constraint failed: tasks.id")))
	assert.False(t, isUniqueViolation(errors.New("disk I/O error")))
	assert.False(t, isUniqueViolation(nil))
}
