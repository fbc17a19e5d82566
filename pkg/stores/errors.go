package stores

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a failure for the HTTP and CLI layers.
type ErrorClass string

const (
	// ErrorClassValidation indicates missing or malformed input, including
	// an uploaded database file that is not usable.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassStorage indicates a read or write failure against the stories table.
	ErrorClassStorage ErrorClass = "storage"

	// ErrorClassIO indicates a filesystem failure while exporting or importing.
	ErrorClassIO ErrorClass = "io"

	// ErrorClassFatalSwap indicates the active handle was left unusable by a
	// failed replace. Only a new valid replacement file can recover.
	ErrorClassFatalSwap ErrorClass = "fatal_swap"

	// ErrorClassUnavailable indicates no usable handle is active right now.
	ErrorClassUnavailable ErrorClass = "unavailable"
)

// ErrStoryNotFound is returned by Get when no row has the requested id.
var ErrStoryNotFound = errors.New("story not found")

// Error is a classified error with the operation that produced it.
type Error struct {
	Class   ErrorClass
	Op      string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s (op=%s)", e.Class, e.Message, e.Op)
	}
	return fmt.Sprintf("[%s] %s (op=%s): %s", e.Class, e.Message, e.Op, e.Err.Error())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same class.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

func newError(class ErrorClass, op, message string, err error) *Error {
	return &Error{Class: class, Op: op, Message: message, Err: err}
}

// NewValidationError creates a new validation error.
func NewValidationError(op, message string, err error) *Error {
	return newError(ErrorClassValidation, op, message, err)
}

// NewStorageError creates a new storage error.
func NewStorageError(op, message string, err error) *Error {
	return newError(ErrorClassStorage, op, message, err)
}

// NewIOError creates a new filesystem error.
func NewIOError(op, message string, err error) *Error {
	return newError(ErrorClassIO, op, message, err)
}

// NewFatalSwapError creates a new fatal swap error.
func NewFatalSwapError(op, message string, err error) *Error {
	return newError(ErrorClassFatalSwap, op, message, err)
}

// NewUnavailableError creates a new unavailable error.
func NewUnavailableError(op, message string, err error) *Error {
	return newError(ErrorClassUnavailable, op, message, err)
}

// ClassOf returns the class of the first *Error in the chain, or "" if none.
func ClassOf(err error) ErrorClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsValidation returns true if the error is classified as validation.
func IsValidation(err error) bool { return ClassOf(err) == ErrorClassValidation }

// IsStorage returns true if the error is classified as storage.
func IsStorage(err error) bool { return ClassOf(err) == ErrorClassStorage }

// IsIO returns true if the error is classified as a filesystem failure.
func IsIO(err error) bool { return ClassOf(err) == ErrorClassIO }

// IsFatalSwap returns true if the error left the database without a usable handle.
func IsFatalSwap(err error) bool { return ClassOf(err) == ErrorClassFatalSwap }

// IsUnavailable returns true if no usable handle was active.
func IsUnavailable(err error) bool { return ClassOf(err) == ErrorClassUnavailable }
