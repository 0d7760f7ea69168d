// Package workitem brokers external work between the engine and registered
// task handlers.
package workitem

import (
	"errors"
	"fmt"
)

var (
	// ErrHandlerNotFound indicates no handler is registered for a work-item
	// name. This is terminal for the triggering node.
	ErrHandlerNotFound = errors.New("work item handler not found")

	// ErrWorkItemNotFound indicates the work item id is not tracked.
	ErrWorkItemNotFound = errors.New("work item not found")
)

// HandlerError wraps a handler-thrown error with the work item it was
// processing. The manager never retries on its own; the error reaches the
// direct caller untouched via Unwrap.
type HandlerError struct {
	Op         string
	WorkItemID string
	Name       string
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s failed for work item %s (%s): %v", e.Op, e.WorkItemID, e.Name, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// IsHandlerNotFound checks whether an error indicates a missing handler
// registration.
func IsHandlerNotFound(err error) bool {
	return errors.Is(err, ErrHandlerNotFound)
}
