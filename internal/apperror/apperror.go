// Package apperror defines the error taxonomy shared by the mutation core.
package apperror

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated means the operation was attempted without a caller
	// identity. The operation is rejected before any store access.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNotFound means the target record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNameTaken means a claim lost the race for a unique name.
	ErrNameTaken = errors.New("name taken")
	// ErrStoreUnavailable marks transient store failures, safe to retry
	// with backoff.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrInvariantViolation means a committed state broke a core invariant.
	// This is a bug, never an expected outcome.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrValidation means the input was rejected before any store access.
	ErrValidation = errors.New("validation error")
	// ErrForbidden means the caller is authenticated but not allowed to
	// act on the target, e.g. deleting someone else's thread.
	ErrForbidden = errors.New("forbidden")
)

// AppError pairs a taxonomy sentinel with a human-readable message.
type AppError struct {
	Err     error
	Message string
	Field   string
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func Unauthenticated(message string) *AppError {
	return &AppError{Err: ErrUnauthenticated, Message: message}
}

func NotFound(resource, path string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found at %s", resource, path),
	}
}

func NameTaken(name string) *AppError {
	return &AppError{
		Err:     ErrNameTaken,
		Message: fmt.Sprintf("name %q is already claimed", name),
	}
}

func StoreUnavailable(op string, cause error) *AppError {
	return &AppError{
		Err:     ErrStoreUnavailable,
		Message: fmt.Sprintf("store unavailable during %s: %v", op, cause),
	}
}

func InvariantViolation(message string) *AppError {
	return &AppError{Err: ErrInvariantViolation, Message: message}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{Err: ErrValidation, Message: message, Field: field}
}

func Forbidden(message string) *AppError {
	return &AppError{Err: ErrForbidden, Message: message}
}
