package common

import (
	"errors"
	"fmt"
)

// Domain errors - use errors.Is() to check
var (
	// Generic errors
	ErrInternal   = errors.New("internal error")
	ErrNotFound   = errors.New("not found")
	ErrBadRequest = errors.New("bad request")

	// Job lifecycle errors
	ErrJobNotFound       = fmt.Errorf("job %w", ErrNotFound)
	ErrUnknownJobType    = errors.New("unknown job type")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrJobCancelled      = errors.New("job cancelled")

	// Provider errors
	ErrAllProvidersExhausted = errors.New("all providers exhausted")
	ErrRateLimited           = errors.New("rate limited")
	ErrNoCredentials         = errors.New("no credentials configured")

	// Validation errors
	ErrValidation = errors.New("validation error")
)

// ValidationError represents a validation error with field details
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is implements errors.Is for ValidationError
func (e ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// WrapNotFound wraps an error as a not found error with context
func WrapNotFound(resource string, err error) error {
	return fmt.Errorf("%s: %w", resource, errors.Join(ErrNotFound, err))
}

// WrapInternal wraps an error as an internal error with context
func WrapInternal(operation string, err error) error {
	return fmt.Errorf("%s: %w", operation, errors.Join(ErrInternal, err))
}

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation checks if error is a validation error
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsInvalidTransition reports whether a registry write was rejected by the
// status state machine.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

// IsExhausted reports whether every credential and retry sweep failed.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrAllProvidersExhausted)
}
