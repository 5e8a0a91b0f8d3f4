package refinery_test

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/polecat/internal/refinery"
)

func TestCommandVerifier(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	v := &refinery.CommandVerifier{}
	dir := t.TempDir()

	require.NoError(t, v.Verify(context.Background(), dir, "sh -c 'exit 0'"))
	require.NoError(t, v.Verify(context.Background(), dir, ""))

	err := v.Verify(context.Background(), dir, `sh -c "echo 2 tests failed; exit 1"`)
	require.Error(t, err)
	assert.ErrorIs(t, err, refinery.ErrVerificationFailed)
	var ve *refinery.VerifyError
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, ve.Output, "2 tests failed")

	_, err = exec.LookPath("polecat-no-such-binary")
	require.Error(t, err)
	assert.ErrorIs(t, v.Verify(context.Background(), dir, "polecat-no-such-binary --all"), refinery.ErrVerificationFailed)
}
