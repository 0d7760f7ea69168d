// Package persistence provides standardized error types for snapshot
// storage operations.
package persistence

import (
	"errors"
	"fmt"
)

var (
	// ErrInstanceNotFound indicates no snapshot exists for the instance id.
	ErrInstanceNotFound = errors.New("process instance not found")

	// ErrCorrelationNotFound indicates no instance is registered under the
	// correlation id.
	ErrCorrelationNotFound = errors.New("correlation not found")
)

// StoreError wraps storage failures with the operation and instance they
// concern.
type StoreError struct {
	Op         string
	InstanceID string
	Err        error
}

func (e *StoreError) Error() string {
	if e.InstanceID != "" {
		return fmt.Sprintf("%s failed for instance %s: %v", e.Op, e.InstanceID, e.Err)
	}

	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewStoreError creates a storage error with context.
func NewStoreError(op, instanceID string, err error) *StoreError {
	return &StoreError{Op: op, InstanceID: instanceID, Err: err}
}

// IsInstanceNotFound checks if an error indicates a missing instance
// snapshot.
func IsInstanceNotFound(err error) bool {
	return errors.Is(err, ErrInstanceNotFound)
}
