package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the speech core.
type ErrorCode string

// Concurrency core error codes
const (
	ErrCapacityExceeded       ErrorCode = "CAPACITY_EXCEEDED"
	ErrTimeout                ErrorCode = "TIMEOUT"
	ErrSegmentSynthesisFailed ErrorCode = "SEGMENT_SYNTHESIS_FAILED"
	ErrProviderError          ErrorCode = "PROVIDER_ERROR"
	ErrInvalidSessionState    ErrorCode = "INVALID_SESSION_STATE"
	ErrBenignRaceOnClose      ErrorCode = "BENIGN_RACE_ON_CLOSE"
)

// Service facade error codes
const (
	ErrInvalidRequest        ErrorCode = "INVALID_REQUEST"
	ErrTextNotSuitable       ErrorCode = "TEXT_NOT_SUITABLE"
	ErrAudioReassemblyFailed ErrorCode = "AUDIO_REASSEMBLY_FAILED"
	ErrStorage               ErrorCode = "STORAGE_ERROR"
	ErrInternalError         ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Class     string    `json:"class,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Index     int       `json:"index,omitempty"`
	Retryable bool      `json:"retryable"`
	Provider  string    `json:"provider,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Class != "" {
		msg = fmt.Sprintf("%s (class=%s)", msg, e.Class)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithClass records the operation class the error belongs to.
func (e *Error) WithClass(class string) *Error {
	e.Class = class
	return e
}

// WithSession records the streaming session id.
func (e *Error) WithSession(sessionID string) *Error {
	e.SessionID = sessionID
	return e
}

// WithIndex records the segment index.
func (e *Error) WithIndex(index int) *Error {
	e.Index = index
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// NewCapacityError reports an admission ceiling rejection for class.
func NewCapacityError(class string, limit int64) *Error {
	return NewError(ErrCapacityExceeded, fmt.Sprintf("concurrent limit %d reached", limit)).
		WithClass(class).
		WithRetryable(true)
}

// NewTimeoutError reports an elapsed class deadline.
func NewTimeoutError(class string, cause error) *Error {
	return NewError(ErrTimeout, "operation deadline exceeded").
		WithClass(class).
		WithCause(cause).
		WithRetryable(true)
}

// NewSessionStateError reports an operation on a session in the wrong state.
func NewSessionStateError(sessionID, message string) *Error {
	return NewError(ErrInvalidSessionState, message).WithSession(sessionID)
}

// NewProviderError wraps a failure from the upstream speech provider.
func NewProviderError(provider string, cause error) *Error {
	return NewError(ErrProviderError, "speech provider call failed").
		WithProvider(provider).
		WithCause(cause)
}

// AsError extracts the first *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsCode reports whether the first *Error in err's chain carries code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
