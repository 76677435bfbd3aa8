package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for domain-level error discrimination.
// Services wrap these so handlers can map to HTTP status codes without leaking infrastructure details.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrBadRequest   = errors.New("bad request")
)

// Code is a machine-readable error code. Each subsystem owns a closed set.
type Code string

// Unit of work.
const (
	CodeConflict           Code = "CONFLICT"
	CodeNotFound           Code = "NOT_FOUND"
	CodePreconditionFailed Code = "PRECONDITION_FAILED"
	CodeUnknown            Code = "UNKNOWN"
)

// Account registration.
const (
	CodeEmailAlreadyRegistered  Code = "EMAIL_ALREADY_REGISTERED"
	CodeHandleAlreadyRegistered Code = "HANDLE_ALREADY_REGISTERED"
	CodeAccountUnexpected       Code = "ACCOUNT_UNEXPECTED_ERROR"
)

// Follow graph.
const (
	CodeConcurrencyFailure Code = "CONCURRENCY_FAILURE"
	CodeFollowerUnexpected Code = "FOLLOWER_UNEXPECTED_ERROR"
)

// Content and stream processing.
const (
	CodeContentNotFound  Code = "CONTENT_NOT_FOUND"
	CodeStreamProcessing Code = "STREAM_PROCESSING"
)

// Sessions.
const (
	CodeInvalidSession Code = "INVALID_SESSION"
)

// Error is the coded domain error. Key and Stage pinpoint the document and
// protocol step that failed.
type Error struct {
	Code    Code
	Message string
	Key     string
	Stage   string
	Cause   error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Stage != "" {
		msg += " [stage=" + e.Stage + "]"
	}
	if e.Key != "" {
		msg += " [key=" + e.Key + "]"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// NewError creates a coded error.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error around cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Code-only targets for errors.Is.
var (
	ErrEmailAlreadyRegistered  = &Error{Code: CodeEmailAlreadyRegistered}
	ErrHandleAlreadyRegistered = &Error{Code: CodeHandleAlreadyRegistered}
	ErrAccountUnexpected       = &Error{Code: CodeAccountUnexpected}
	ErrConcurrencyFailure      = &Error{Code: CodeConcurrencyFailure}
	ErrFollowerUnexpected      = &Error{Code: CodeFollowerUnexpected}
	ErrContentNotFound         = &Error{Code: CodeContentNotFound}
	ErrStreamProcessing        = &Error{Code: CodeStreamProcessing}
	ErrInvalidSession          = &Error{Code: CodeInvalidSession}
	ErrUoWConflict             = &Error{Code: CodeConflict}
	ErrUoWNotFound             = &Error{Code: CodeNotFound}
	ErrUoWPreconditionFailed   = &Error{Code: CodePreconditionFailed}
	ErrUoWUnknown              = &Error{Code: CodeUnknown}
)

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
