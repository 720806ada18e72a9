package types

import "fmt"

// ErrorCode represents a unified error code across the orchestration core.
type ErrorCode string

// Control-plane error codes. Rejected synchronously at the manager
// boundary, job state is never touched.
const (
	ErrValidation        ErrorCode = "VALIDATION"
	ErrJobNotFound       ErrorCode = "JOB_NOT_FOUND"
	ErrJobAlreadyRunning ErrorCode = "JOB_ALREADY_RUNNING"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
)

// Stage-level error codes, recoverable per the retry policy.
const (
	ErrAgentTimeout     ErrorCode = "AGENT_TIMEOUT"
	ErrAgentError       ErrorCode = "AGENT_ERROR"
	ErrAgentNotFound    ErrorCode = "AGENT_NOT_FOUND"
	ErrStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
)

// Fatal error codes, the job moves to failed without further retries.
const (
	ErrCheckpointCorrupt ErrorCode = "CHECKPOINT_CORRUPT"
	ErrHilLoopExceeded   ErrorCode = "HIL_LOOP_EXCEEDED"
	ErrInternalError     ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Stage      Stage     `json:"stage,omitempty"`
	Cause      error     `json:"-"`
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

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithStage records the pipeline stage the error occurred in.
func (e *Error) WithStage(stage Stage) *Error {
	e.Stage = stage
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
