package core_domain

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates that a requested resource was not found.
	ErrNotFound = errors.New("resource not found")
	// ErrNoDueEntries indicates that no queue entry is currently due.
	ErrNoDueEntries = errors.New("no due queue entries")
	// ErrAlreadyEnrolled indicates the prospect already has a status in the sequence.
	ErrAlreadyEnrolled = errors.New("prospect already enrolled in sequence")
	// ErrInvalidTransition indicates a status change not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidSettings indicates AppSettings failed validation.
	ErrInvalidSettings = errors.New("invalid settings")
	// ErrInvalidInput indicates a request failed validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrCredentialInvalid indicates the shared credential is not usable.
	ErrCredentialInvalid = errors.New("credential invalid")

	// ErrSessionDisconnected indicates the browser session dropped. Transient.
	ErrSessionDisconnected = errors.New("session disconnected")
	// ErrOperationTimeout indicates an external operation exceeded its deadline. Transient.
	ErrOperationTimeout = errors.New("operation timed out")
	// ErrTargetUnavailable indicates the target profile cannot be acted on. Terminal.
	ErrTargetUnavailable = errors.New("target unavailable")
	// ErrMissingProfileURL indicates the prospect has no profile URL. Terminal.
	ErrMissingProfileURL = errors.New("prospect has no profile url")
)

// IsTransient reports whether err should reschedule the work rather than fail it. A
// credential the site refuses mid-operation is transient: the work waits for revalidation.
func IsTransient(err error) bool {
	return errors.Is(err, ErrSessionDisconnected) ||
		errors.Is(err, ErrCredentialInvalid) ||
		errors.Is(err, ErrOperationTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
