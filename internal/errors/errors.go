// Package errors provides coded application errors shared by the repository,
// service and handler layers.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies an application error.
type ErrorCode string

const (
	// ErrCodeValidation marks malformed input: a rule with both or neither
	// approver set, a bad delegation window, a rejection without comments.
	ErrCodeValidation ErrorCode = "VALIDATION"
	// ErrCodeConflict marks an operation that does not fit the current state.
	ErrCodeConflict ErrorCode = "STATE_CONFLICT"
	// ErrCodeUnauthorized marks an actor that may not act on the resource.
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	// ErrCodeNotFound marks a missing resource.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodePersistence marks a storage or transaction failure. The whole
	// operation was rolled back and may be retried.
	ErrCodePersistence ErrorCode = "PERSISTENCE"
	// ErrCodeInternal marks anything else.
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// Error is a coded application error.
type Error struct {
	Code    ErrorCode
	Message string
	Field   string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with the given code.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a code and message. A nil err yields nil.
func Wrap(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource string, id any) *Error {
	return Newf(ErrCodeNotFound, "%s %v not found", resource, id)
}

// InvalidInput reports a validation failure on a single field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeValidation, Message: message, Field: field}
}

// Conflict reports a state conflict.
func Conflict(format string, args ...any) *Error {
	return Newf(ErrCodeConflict, format, args...)
}

// Unauthorized reports an actor without the right to act.
func Unauthorized(message string) *Error {
	return New(ErrCodeUnauthorized, message)
}

// Persistence wraps a storage failure.
func Persistence(err error, message string) error {
	return Wrap(err, ErrCodePersistence, message)
}

// CodeOf returns the code of the outermost coded error in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// Is and As re-export the standard library helpers so callers need only one
// errors import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }
