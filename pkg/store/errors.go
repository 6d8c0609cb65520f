package store

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by store implementations.
var (
	// ErrNotFound indicates the requested item does not exist.
	ErrNotFound = errors.New("item not found")

	// ErrAlreadyExists indicates a conditional write lost to an existing item.
	ErrAlreadyExists = errors.New("item already exists")

	// ErrUnavailable indicates the store could not be reached after retries.
	// The caller's in-memory state is intact and the operation may be
	// retried later.
	ErrUnavailable = errors.New("store unavailable")
)

// ValidationError indicates malformed input to a store operation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// NewValidationError creates a validation error for a specific field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
