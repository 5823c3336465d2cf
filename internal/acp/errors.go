// ABOUTME: Typed error codes for the agent control plane
// ABOUTME: Distinguishes init, turn, and backend-availability failures

package acp

import (
	"errors"
	"fmt"
)

// Code identifies a control-plane failure class. Codes are stable strings
// surfaced to operators and recorded in session status.
type Code string

const (
	// CodeSessionInitFailed marks a key that looks session-shaped but has no
	// usable metadata, or a backend that refused to establish the session.
	CodeSessionInitFailed Code = "ACP_SESSION_INIT_FAILED"

	// CodeTurnFailed marks a turn the backend reported as failed, or one that
	// exhausted its completion-poll retry budget.
	CodeTurnFailed Code = "ACP_TURN_FAILED"

	// CodeBackendMissing marks a session whose backend is not registered.
	CodeBackendMissing Code = "ACP_BACKEND_MISSING"

	// CodeBackendUnavailable marks a transport failure talking to a
	// registered backend.
	CodeBackendUnavailable Code = "ACP_BACKEND_UNAVAILABLE"
)

// RuntimeError is a control-plane failure with a stable code.
type RuntimeError struct {
	Code    Code
	Message string
	Err     error
}

func (e *RuntimeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// NewError builds a RuntimeError wrapping an optional cause.
func NewError(code Code, message string, cause error) *RuntimeError {
	return &RuntimeError{Code: code, Message: message, Err: cause}
}

// IsCode reports whether err carries the given control-plane code.
func IsCode(err error, code Code) bool {
	var re *RuntimeError
	return errors.As(err, &re) && re.Code == code
}
