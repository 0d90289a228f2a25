// Package apierr defines the structured error type surfaced by the
// coordination core to its callers (CLI, embedding applications). Unlike a
// REST service, this module has no HTTP surface, so errors carry a code and
// retryability instead of a status code.
package apierr

import (
	"fmt"
	"time"
)

// Code classifies what went wrong.
type Code string

const (
	CodeInternal           Code = "INTERNAL_ERROR"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodeAlreadyExists      Code = "ALREADY_EXISTS"
	CodeTooLarge           Code = "TOO_LARGE"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeTimeout            Code = "TIMEOUT"
	CodeUnavailable        Code = "UNAVAILABLE"
	CodeAuthFailed         Code = "AUTH_FAILED"
	CodePolicyViolation    Code = "POLICY_VIOLATION"
	CodeNotOpen            Code = "NOT_OPEN"
	CodeConnectivityFailed Code = "CONNECTIVITY_FAILED"
)

// Error is the structured error type returned by coordination core
// operations.
type Error struct {
	Code      Code
	Message   string
	Details   string
	Metadata  map[string]interface{}
	Retryable bool
	Timestamp time.Time
	wrapped   error
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the original error passed to Wrap, so errors.Is/As still
// sees sentinel errors beneath the structured wrapper.
func (e *Error) Unwrap() error { return e.wrapped }

// WithMetadata attaches a key/value pair to the error, for structured
// logging at the call site.
func (e *Error) WithMetadata(key string, value interface{}) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// New creates an Error with code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Timestamp: time.Now()}
}

// Wrap wraps err as an Error under code, retaining err's text as Details
// and err itself for errors.Is/As.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Details: err.Error(), Timestamp: time.Now(), wrapped: err}
}

// As reports whether err is an *Error, returning it if so.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}

func NewNotFound(message string) *Error        { return New(CodeNotFound, message) }
func NewConflict(message string) *Error        { return New(CodeConflict, message) }
func NewAuthFailed(message string) *Error      { return &Error{Code: CodeAuthFailed, Message: message, Timestamp: time.Now()} }
func NewNotOpen(message string) *Error         { return &Error{Code: CodeNotOpen, Message: message, Timestamp: time.Now()} }
func NewTooLarge(message string) *Error        { return &Error{Code: CodeTooLarge, Message: message, Timestamp: time.Now()} }
func NewRateLimited(message string) *Error     { return &Error{Code: CodeRateLimited, Message: message, Retryable: true, Timestamp: time.Now()} }
func NewTimeout(message string) *Error         { return &Error{Code: CodeTimeout, Message: message, Retryable: true, Timestamp: time.Now()} }
func NewUnavailable(message string) *Error     { return &Error{Code: CodeUnavailable, Message: message, Retryable: true, Timestamp: time.Now()} }
func NewPolicyViolation(message string) *Error { return &Error{Code: CodePolicyViolation, Message: message, Timestamp: time.Now()} }

// Handle maps a generic error into the core's structured form, passing
// through Errors unchanged.
func Handle(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	return Wrap(err, CodeInternal, "unexpected internal error")
}
