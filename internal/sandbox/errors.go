package sandbox

import (
	"errors"
	"fmt"

	"safe-code-runner/internal/runtime"
)

// Sentinel errors for typed error checking. Every error returned by
// Dispatcher.Submit matches exactly one of them under errors.Is, except
// the caller's own context error when it gives up first.
var (
	ErrUnsupportedLanguage = runtime.ErrUnsupportedLanguage
	ErrInvalidSubmission   = errors.New("invalid submission")
	ErrCompileFailure      = errors.New("compilation failed")
	ErrRuntimeFailure      = errors.New("program exited with non-zero status")
	ErrTimedOut            = errors.New("execution timed out")
	ErrBusy                = errors.New("execution capacity exhausted")
	ErrInternal            = errors.New("internal error")
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// internalError marks err as an InternalError while keeping it in the chain
// for server-side logging.
func internalError(execID, op string, err error) error {
	return &ExecutionError{ExecID: execID, Op: op, Err: fmt.Errorf("%w: %w", ErrInternal, err)}
}

// IsTimeout returns true if the error is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimedOut)
}

// IsBusy returns true if the submission was refused admission.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}

// IsValidation returns true for errors caused by the submission itself,
// before any code ran.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidSubmission) || errors.Is(err, ErrUnsupportedLanguage)
}

// IsExecutionOutcome returns true when code ran and the result describes
// how it ended.
func IsExecutionOutcome(err error) bool {
	return errors.Is(err, ErrCompileFailure) || errors.Is(err, ErrRuntimeFailure) || errors.Is(err, ErrTimedOut)
}

// IsInternal returns true for failures of the service itself.
func IsInternal(err error) bool {
	return errors.Is(err, ErrInternal)
}
