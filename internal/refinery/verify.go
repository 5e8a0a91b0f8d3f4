package refinery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"mvdan.cc/sh/v3/shell"

	"github.com/basket/polecat/internal/shared"
)

// Verifier checks the merged tree before it is committed to trunk.
type Verifier interface {
	Verify(ctx context.Context, dir, command string) error
}

// VerifyError is a failed verification with the tail of its output.
type VerifyError struct {
	Command string
	Err     error
	Output  string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("verification %q failed: %v", e.Command, e.Err)
}

func (e *VerifyError) Unwrap() []error { return []error{ErrVerificationFailed, e.Err} }

const verifyTailBytes = 4096

// CommandVerifier runs the project's test command in the trunk checkout.
type CommandVerifier struct {
	Env []string
}

func (v *CommandVerifier) Verify(ctx context.Context, dir, command string) error {
	args, err := shell.Fields(command, os.Getenv)
	if err != nil {
		return fmt.Errorf("parse test command %q: %w", command, err)
	}
	if len(args) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), v.Env...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 10 * time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(err, ctxErr)
		}
		tail := out.Bytes()
		if len(tail) > verifyTailBytes {
			tail = tail[len(tail)-verifyTailBytes:]
		}
		return &VerifyError{Command: command, Err: err, Output: shared.Redact(string(tail))}
	}
	return nil
}
