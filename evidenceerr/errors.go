// Package evidenceerr defines the failure taxonomy for proofkit.
//
// Every error surfaced by a component maps to exactly one FailureClass, which
// determines the process exit code. Execution failures, integrity violations
// and determinism violations are normally carried as data inside reports; the
// classes exist so a CLI can translate a non-passing report into a stable
// exit code without inspecting message text.
package evidenceerr

import (
	"errors"
	"fmt"
)

// FailureClass is a stable failure category.
type FailureClass string

const (
	Configuration        FailureClass = "CONFIGURATION"
	Input                FailureClass = "INPUT"
	ExecutionFailure     FailureClass = "EXECUTION_FAILURE"
	IntegrityViolation   FailureClass = "INTEGRITY_VIOLATION"
	DeterminismViolation FailureClass = "DETERMINISM_VIOLATION"
	CLIUsage             FailureClass = "CLI_USAGE"
	InternalIO           FailureClass = "INTERNAL_IO"
	InternalError        FailureClass = "INTERNAL_ERROR"
)

// Sentinels for errors.Is matching by class.
var (
	ErrConfiguration        = &Error{Class: Configuration}
	ErrInput                = &Error{Class: Input}
	ErrExecutionFailure     = &Error{Class: ExecutionFailure}
	ErrIntegrityViolation   = &Error{Class: IntegrityViolation}
	ErrDeterminismViolation = &Error{Class: DeterminismViolation}
)

// ExitCode returns the process exit code for this failure class.
func (fc FailureClass) ExitCode() int {
	switch fc {
	case ExecutionFailure:
		return 1
	case Configuration, Input, CLIUsage:
		return 2
	case IntegrityViolation, DeterminismViolation:
		return 3
	default:
		return 10
	}
}

// Error is the structured error type for proofkit failures.
type Error struct {
	Class   FailureClass
	Op      string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Class, e.Message)
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s: %s", e.Op, e.Class, e.Message)
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches class-only sentinels such as ErrConfiguration.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Op == "" && t.Cause == nil && t.Class == e.Class
}

// New creates a new Error with the given class and message.
func New(class FailureClass, op, message string) *Error {
	return &Error{Class: class, Op: op, Message: message}
}

// Newf is New with a format string.
func Newf(class FailureClass, op, format string, args ...any) *Error {
	return &Error{Class: class, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(class FailureClass, op, message string, cause error) *Error {
	return &Error{Class: class, Op: op, Message: message, Cause: cause}
}

// ClassOf returns the failure class of err, or InternalError when err does
// not carry one.
func ClassOf(err error) FailureClass {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return InternalError
}
