package model

import (
	"errors"
	"fmt"
)

// Error taxonomy. Callers classify with errors.Is / errors.As; the HTTP
// layer maps these onto status codes and worker steps decide between
// terminal failure and retry.
var (
	// ErrNotFound: deployment/project/environment/alias missing.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState: the operation conflicts with the row's current
	// state (rollback with no previous, cancel on a settled deployment).
	ErrInvalidState = errors.New("invalid state")

	// ErrValidation: bad input that never reaches storage.
	ErrValidation = errors.New("validation failed")

	// ErrNoEnvironmentForBranch: no environment pattern matched the branch.
	ErrNoEnvironmentForBranch = fmt.Errorf("%w: no environment for branch", ErrValidation)

	// ErrNoPreviousDeployment: rollback requested but the environment alias
	// has no previous holder.
	ErrNoPreviousDeployment = fmt.Errorf("%w: no previous deployment", ErrInvalidState)

	// ErrIntegrity: webhook signature mismatch or token decrypt failure.
	// Logged and rejected, never changes state.
	ErrIntegrity = errors.New("integrity check failed")
)

// RuntimeError drives a deployment to completed/failed with a reason
// that is persisted and published to consumers.
type RuntimeError struct {
	Reason string
	Err    error
}

func (e *RuntimeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("runtime failure: %s: %v", e.Reason, e.Err)
	}
	return "runtime failure: " + e.Reason
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// Runtimef builds a RuntimeError with a formatted reason.
func Runtimef(format string, args ...any) *RuntimeError {
	return &RuntimeError{Reason: fmt.Sprintf(format, args...)}
}

// Runtime builds a RuntimeError around a cause. The reason stays a
// clean human-readable line; the cause remains reachable through
// errors.Is/As.
func Runtime(reason string, err error) *RuntimeError {
	return &RuntimeError{Reason: reason, Err: err}
}
