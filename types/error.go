package types

import "fmt"

// ErrorCode represents a unified error code across keyflow.
type ErrorCode string

// Inference error codes
const (
	ErrNoCapacity       ErrorCode = "NO_CAPACITY"
	ErrUpstreamError    ErrorCode = "UPSTREAM_ERROR"
	ErrUpstreamTimeout  ErrorCode = "UPSTREAM_TIMEOUT"
	ErrRetriesExhausted ErrorCode = "RETRIES_EXHAUSTED"
	ErrModelNotFound    ErrorCode = "MODEL_NOT_FOUND"
)

// Pipeline error codes
const (
	ErrInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrRunActive     ErrorCode = "RUN_ACTIVE"
	ErrRunCancelled  ErrorCode = "RUN_CANCELLED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Instance   string    `json:"instance,omitempty"`
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

// WithInstance sets the backend instance address the error originated from.
func (e *Error) WithInstance(addr string) *Error {
	e.Instance = addr
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
