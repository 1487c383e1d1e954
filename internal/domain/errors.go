package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidCredentials is returned when a password sign-in does not match.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrNoSession is returned when no authenticated session exists.
	ErrNoSession = errors.New("no active session")
	// ErrSessionExpired is returned for expired or malformed session tokens.
	ErrSessionExpired = errors.New("session expired")
	// ErrAccountExists is returned by sign-up when the email is taken.
	ErrAccountExists = errors.New("an account with this email already exists")
	// ErrWeakPassword is returned by sign-up when the password is too short.
	ErrWeakPassword = errors.New("password does not meet requirements")

	// ErrBackendUnavailable covers connectivity failures to the backend.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrTableMissing is a backend-unavailable condition for an absent table.
	ErrTableMissing = fmt.Errorf("%w: table does not exist", ErrBackendUnavailable)

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned on unique-key conflicts.
	ErrDuplicate = errors.New("duplicate record")
	// ErrInvalidTransition is returned for SOS status changes the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDeliveryFailed marks a best-effort side-channel delivery failure.
	ErrDeliveryFailed = errors.New("notification delivery failed")
)

// AuthError is surfaced to login views as a dismissible message.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ValidationError aborts an operation before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsUnavailable reports whether err is a recoverable backend outage that the
// fallback store should absorb.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}
