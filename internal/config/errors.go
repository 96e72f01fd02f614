// SPDX-License-Identifier: MIT

package config

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by Store operations. The control plane maps these
// to HTTP status codes (NotFound → 404, AlreadyExists/Validation → 400).
var (
	// ErrNotFound indicates the named service or backend does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a duplicate service name or backend identity.
	ErrAlreadyExists = errors.New("already exists")
)

// ValidationError describes a rejected input value.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func newValidationError(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// PersistenceError wraps a failed state-file write. The in-memory mutation
// that triggered the write has been rolled back by the time this is returned.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist state: %v", e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
