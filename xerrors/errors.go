// Package xerrors defines the execution-error taxonomy this core raises
// out of a subtask run, and the transient/cancellation classification the
// retry policy and coordinator dispatch on.
package xerrors

import (
	"context"
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Cancelled is returned (wrapped or bare) when a subtask run is aborted by
// the coordinator rather than failing on its own.
var Cancelled = errors.New("subtask cancelled")

// IsCancellation reports whether err is, or wraps, a cancellation: either
// Cancelled or a context cancellation.
func IsCancellation(err error) bool {
	return errors.Is(err, Cancelled) || errors.Is(err, context.Canceled)
}

// transientMarker tags an error as coming from the OS or a peer worker
// (a dropped connection, ECONNRESET, a remote actor disappearing) rather
// than from the subtask's own logic — the distinction the retry policy
// uses to decide whether a rerun is worth attempting at all.
type transientMarker struct{ error }

func (t *transientMarker) Unwrap() error { return t.error }

// MarkTransient wraps err so IsTransient reports true for it.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientMarker{err}
}

// IsTransient reports whether err was produced by MarkTransient, at any
// wrapping depth.
func IsTransient(err error) bool {
	var t *transientMarker
	return errors.As(err, &t)
}

// ExecutionError wraps whatever a compute operand's Execute raised. The
// processor re-throws this to the coordinator verbatim; only the
// coordinator's retry policy decides whether it becomes an
// ExceedMaxRerun, an UnhandledException, or an UnretryableException.
type ExecutionError struct {
	OpKey string
	Cause error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("operand %q execution failed: %v", e.OpKey, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// NewExecutionError wraps cause with a stack trace.
func NewExecutionError(opKey string, cause error) *ExecutionError {
	return &ExecutionError{OpKey: opKey, Cause: pkgerrors.WithStack(cause)}
}

// ExceedMaxRerun wraps the last transient failure of a subtask that was
// retried max_retries times and still failed transiently.
type ExceedMaxRerun struct {
	Retries int
	Last    error
}

func (e *ExceedMaxRerun) Error() string {
	return fmt.Sprintf("subtask failed after %d retries: %v", e.Retries, e.Last)
}

func (e *ExceedMaxRerun) Unwrap() error { return e.Last }

// NewExceedMaxRerun wraps last with a stack trace via pkg/errors before
// recording it, so the original failure site is kept alongside the retry
// count and last error message that Error() reports.
func NewExceedMaxRerun(retries int, last error) *ExceedMaxRerun {
	return &ExceedMaxRerun{Retries: retries, Last: pkgerrors.WithStack(last)}
}

// UnhandledException wraps any non-transient failure of a subtask whose
// max_retries is greater than zero but whose failure wasn't itself a
// retry-exhaustion (i.e. some other bug surfaced from kernel code).
type UnhandledException struct {
	Cause error
}

func (e *UnhandledException) Error() string { return fmt.Sprintf("unhandled exception: %v", e.Cause) }
func (e *UnhandledException) Unwrap() error { return e.Cause }

// NewUnhandledException wraps cause with a stack trace.
func NewUnhandledException(cause error) *UnhandledException {
	return &UnhandledException{Cause: pkgerrors.WithStack(cause)}
}

// UnretryableException wraps the failure of a subtask marked retryable=false,
// naming every non-retryable operand key in the subtask's chunk graph.
type UnretryableException struct {
	OpKeys []string
	Cause  error
}

func (e *UnretryableException) Error() string {
	return fmt.Sprintf("unretryable operand(s) %v failed: %v", e.OpKeys, e.Cause)
}

func (e *UnretryableException) Unwrap() error { return e.Cause }

// NewUnretryableException wraps cause with a stack trace.
func NewUnretryableException(opKeys []string, cause error) *UnretryableException {
	return &UnretryableException{OpKeys: opKeys, Cause: pkgerrors.WithStack(cause)}
}
