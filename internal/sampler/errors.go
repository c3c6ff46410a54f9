package sampler

import (
	"context"
	"errors"
	"fmt"
)

// FixErrorCode categorizes position-fix failures. The taxonomy drives
// retry policy: PermissionDenied is terminal for the session, the others
// are retried with backoff.
type FixErrorCode string

const (
	// CodePermissionDenied means the user refused location access. Terminal:
	// sampling stops and the error is surfaced persistently.
	CodePermissionDenied FixErrorCode = "PERMISSION_DENIED"

	// CodeUnavailable means the platform could not produce a fix right now.
	CodeUnavailable FixErrorCode = "UNAVAILABLE"

	// CodeTimeout means the fix did not arrive within the requested bound.
	CodeTimeout FixErrorCode = "TIMEOUT"
)

// FixError is a classified position-fix failure.
type FixError struct {
	Code    FixErrorCode
	Message string
	Err     error
}

func (e *FixError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *FixError) Unwrap() error {
	return e.Err
}

// NewFixError builds a classified fix error.
func NewFixError(code FixErrorCode, message string, err error) *FixError {
	return &FixError{Code: code, Message: message, Err: err}
}

// IsPermissionDenied reports whether err is a terminal permission failure.
func IsPermissionDenied(err error) bool {
	var fe *FixError
	return errors.As(err, &fe) && fe.Code == CodePermissionDenied
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var fe *FixError
	if !errors.As(err, &fe) {
		return false
	}
	return fe.Code == CodeUnavailable || fe.Code == CodeTimeout
}

// classifyFixError normalizes an arbitrary provider error into a FixError.
// Context deadline errors become Timeout; anything unclassified becomes
// Unavailable.
func classifyFixError(err error) *FixError {
	var fe *FixError
	if errors.As(err, &fe) {
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewFixError(CodeTimeout, "position fix timed out", err)
	}
	return NewFixError(CodeUnavailable, "position fix failed", err)
}
