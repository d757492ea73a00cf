package types

import "fmt"

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Agent and adapter error codes
const (
	ErrAgentCall      ErrorCode = "AGENT_CALL_FAILED"
	ErrAgentBadOutput ErrorCode = "AGENT_BAD_OUTPUT"
	ErrToolNotFound   ErrorCode = "TOOL_NOT_FOUND"
	ErrToolFailed     ErrorCode = "TOOL_FAILED"
	ErrTurnLimit      ErrorCode = "TURN_LIMIT_EXCEEDED"
)

// Sandbox error codes
const (
	ErrSandboxLaunch  ErrorCode = "SANDBOX_LAUNCH_FAILED"
	ErrSandboxTimeout ErrorCode = "SANDBOX_TIMEOUT"
	ErrBadLanguage    ErrorCode = "UNSUPPORTED_LANGUAGE"
)

// Store and pipeline error codes
const (
	ErrNotFound      ErrorCode = "NOT_FOUND"
	ErrStore         ErrorCode = "STORE_ERROR"
	ErrValidation    ErrorCode = "VALIDATION"
	ErrStageDeadline ErrorCode = "STAGE_DEADLINE_EXCEEDED"
	ErrWriteConflict ErrorCode = "WRITE_CONFLICT"
	ErrInternalError ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Stage     string    `json:"stage,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
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

// WithStage tags the error with the pipeline stage it surfaced in.
func (e *Error) WithStage(stage string) *Error {
	e.Stage = stage
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
