package engine

import (
	"context"
	"errors"
	"net"
	"os/exec"
)

var (
	// ErrStaleWorker is the cancellation cause of a worker that missed its
	// heartbeats.
	ErrStaleWorker = errors.New("worker stopped heartbeating")
	// ErrDraining cancels running work during shutdown.
	ErrDraining = errors.New("coordinator draining")
	// ErrClaimLost cancels a worker whose task was requeued or claimed by
	// someone else.
	ErrClaimLost = errors.New("task no longer held by this worker")
)

// ExitTempFail is the sysexits code an executor uses to ask for a retry.
const ExitTempFail = 75

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// RetryableError marks err as transient so the task is re-spawned once.
func RetryableError(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// ErrorClass categorizes executor failures for the retry decision.
type ErrorClass string

const (
	ErrorClassRetryable ErrorClass = "RETRYABLE"
	ErrorClassTimeout   ErrorClass = "TIMEOUT"
	ErrorClassNetwork   ErrorClass = "NETWORK"
	ErrorClassPanic     ErrorClass = "PANIC"
	ErrorClassFatal     ErrorClass = "FATAL"
)

// ClassifyError categorizes an executor error.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassFatal
	}
	var pe *PanicError
	if errors.As(err, &pe) {
		return ErrorClassPanic
	}
	var re *retryableError
	if errors.As(err, &re) {
		return ErrorClassRetryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.ExitCode() == ExitTempFail {
		return ErrorClassRetryable
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ErrorClassNetwork
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return ErrorClassNetwork
	}
	return ErrorClassFatal
}

// Retryable reports whether err deserves one more attempt.
func Retryable(err error) bool {
	switch ClassifyError(err) {
	case ErrorClassRetryable, ErrorClassTimeout, ErrorClassNetwork:
		return true
	}
	return false
}
