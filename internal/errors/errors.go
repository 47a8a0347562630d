// Package errors provides consolidated error definitions for the relay
// pipeline.
//
// This file provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Not found errors
	ErrNotFound          = errors.New("not found")
	ErrSourceNotFound    = errors.New("source not found")
	ErrAggregateNotFound = errors.New("aggregate not found")
	ErrPayloadNotFound   = errors.New("payload not found")

	// Duplicate / conflict errors
	ErrAlreadyExists          = errors.New("already exists")
	ErrDuplicatePath          = errors.New("source path already tracked")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrAggregateComplete      = errors.New("aggregate is complete")
	ErrAlreadyExamined        = errors.New("source already examined")

	// Validation errors
	ErrInvalidPath     = errors.New("invalid repository path")
	ErrInvalidTemplate = errors.New("invalid repository path template")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrEmptyPackage    = errors.New("package contains no entries")

	// State errors
	ErrStoreClosed     = errors.New("store is closed")
	ErrExecutorStopped = errors.New("executor is stopped")
	ErrReadOnly        = errors.New("repository is read only")
)

// ============================================================================
// Error category checking
// ============================================================================

// IsNotFound returns true if err is any not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrSourceNotFound) ||
		errors.Is(err, ErrAggregateNotFound) ||
		errors.Is(err, ErrPayloadNotFound)
}

// IsDuplicate returns true if err indicates a uniqueness violation.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrDuplicatePath) ||
		errors.Is(err, ErrAlreadyExamined)
}

// IsInvalid returns true if err is a validation error.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidPath) ||
		errors.Is(err, ErrInvalidTemplate) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrEmptyPackage)
}

// ============================================================================
// Wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
// Returns nil if err is nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf wraps an error with formatted context.
// Returns nil if err is nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target.
// Re-exported so callers don't need both this package and stdlib errors.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// NewValidation creates a field validation error.
func NewValidation(field, reason string) error {
	return fmt.Errorf("%s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: required: %w", field, ErrInvalidConfig)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the first error for errors.Is/As support.
func (v *ValidationErrors) Unwrap() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v.Errors[0]
}
