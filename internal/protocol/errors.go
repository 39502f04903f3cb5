package protocol

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode identifies the kind of failure surfaced to clients.
type ErrorCode string

const (
	ErrCodeBusy               ErrorCode = "busy"
	ErrCodeValidationFailed   ErrorCode = "validation_failed"
	ErrCodePermissionDenied   ErrorCode = "permission_denied"
	ErrCodeCredentialsMissing ErrorCode = "credentials_missing_or_expired"
	ErrCodeProvider           ErrorCode = "provider_error"
	ErrCodeInternal           ErrorCode = "internal_error"
	ErrCodeTurnAborted        ErrorCode = "turn_aborted"
	ErrCodeStepLimitReached   ErrorCode = "step_limit_reached"
	ErrCodeSessionDisposed    ErrorCode = "session_disposed"
)

// ErrorSource identifies which subsystem produced a failure.
type ErrorSource string

const (
	SourceSession     ErrorSource = "session"
	SourcePermissions ErrorSource = "permissions"
	SourceProvider    ErrorSource = "provider"
	SourceTransport   ErrorSource = "transport"
	SourceTool        ErrorSource = "tool"
	SourceMCP         ErrorSource = "mcp"
)

// TurnError is a turn-terminating failure carrying the wire taxonomy. It wraps
// the underlying cause so callers can still errors.Is/As through it.
type TurnError struct {
	Code    ErrorCode
	Source  ErrorSource
	Message string
	Err     error
}

func (e *TurnError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *TurnError) Unwrap() error { return e.Err }

// NewTurnError builds a TurnError with an explicit message.
func NewTurnError(code ErrorCode, source ErrorSource, message string) *TurnError {
	return &TurnError{Code: code, Source: source, Message: message}
}

// WrapTurnError builds a TurnError around an underlying cause.
func WrapTurnError(code ErrorCode, source ErrorSource, err error) *TurnError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &TurnError{Code: code, Source: source, Message: msg, Err: err}
}

// AsTurnError classifies an arbitrary error into the wire taxonomy. Errors
// that already carry a TurnError pass through unchanged; cancellation maps to
// turn_aborted; everything else is an internal error.
func AsTurnError(err error) *TurnError {
	var te *TurnError
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return WrapTurnError(ErrCodeTurnAborted, SourceSession, err)
	}
	return WrapTurnError(ErrCodeInternal, SourceSession, err)
}
