package rnaqueue

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication means the caller's identity could not be resolved.
	ErrAuthentication = errors.New("authentication failed")
	// ErrValidation means a required input was missing or malformed.
	ErrValidation = errors.New("invalid input")
	// ErrStorage wraps object store failures.
	ErrStorage = errors.New("storage failure")
	// ErrLockContention is the internal signal that triggers a delayed retry.
	ErrLockContention = errors.New("user already has a task running")
	// ErrRetryExhausted marks a task abandoned after maxRetries contentions.
	ErrRetryExhausted = errors.New("retry limit reached")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ProcessorFailure is any error or panic raised inside a processor.
type ProcessorFailure struct {
	Kind  Kind
	Cause error
}

func (e *ProcessorFailure) Error() string {
	return fmt.Sprintf("%s processor: %v", e.Kind, e.Cause)
}

func (e *ProcessorFailure) Unwrap() error {
	return e.Cause
}
