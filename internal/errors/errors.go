// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrNotFound          = errors.New("record not found")
	ErrMailNotConfigured = errors.New("no mail mechanism configured")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrConnectionFailed  = errors.New("connection failed")
	ErrTimeout           = errors.New("operation timed out")
)

// ProtocolError represents an unexpected response during a wire protocol
// conversation. It aborts the current operation without recovery.
type ProtocolError struct {
	Step     string
	Code     int
	Response string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error at %s: unexpected response %d %q", e.Step, e.Code, e.Response)
}

// NewProtocolError creates a ProtocolError.
func NewProtocolError(step string, code int, response string) *ProtocolError {
	return &ProtocolError{Step: step, Code: code, Response: response}
}

// Is reports whether err matches target, unwrapping as needed.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain matching target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
