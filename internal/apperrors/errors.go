// Package apperrors classifies failures by recoverability.
//
// Every error a component returns to the pipeline driver is one of the kinds
// below. Callers branch with errors.Is on the sentinel and use errors.As to
// reach the structured details.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrConnection  = errors.New("connection error")
	ErrValidation  = errors.New("validation error")
	ErrCredential  = errors.New("credential error")
	ErrExecution   = errors.New("execution error")
	ErrPersistence = errors.New("persistence error")
	ErrConflict    = errors.New("conflict")
	ErrNotFound    = errors.New("not found")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "id", "utctime")
	Resource string // For not found/conflict (e.g., "job")
	Op       string // Operation that failed (e.g., "broker.publish")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

func wrap(sentinel error, op string, cause error) error {
	msg := op
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", op, cause)
	}
	return &Error{
		Sentinel: sentinel,
		Message:  msg,
		Op:       op,
		Cause:    cause,
	}
}

// Connection reports a broker or remote endpoint that could not be reached.
func Connection(op string, cause error) error {
	return wrap(ErrConnection, op, cause)
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// Credential reports a signature, token or decryption failure.
func Credential(op string, cause error) error {
	return wrap(ErrCredential, op, cause)
}

// Execution reports a fault raised while running a job pass.
func Execution(op string, cause error) error {
	return wrap(ErrExecution, op, cause)
}

// Persistence reports a snapshot write or remove failure.
func Persistence(op string, cause error) error {
	return wrap(ErrPersistence, op, cause)
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
		Field:    id,
	}
}

// Recoverable reports whether the owning service can keep running after err.
// Only connection faults are treated as fatal, and only by callers in their
// startup path.
func Recoverable(err error) bool {
	return err == nil || !errors.Is(err, ErrConnection)
}
