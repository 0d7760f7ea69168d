package instance

import (
	"errors"
	"fmt"

	"github.com/procflow/procflow/pkg/models"
)

var (
	// ErrReadOnly indicates a mutating operation on an instance unmarshalled
	// for inspection only.
	ErrReadOnly = errors.New("process instance is read-only")

	// ErrNodeNotFound indicates an unknown node or node-instance id.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNoProcessError indicates retrigger or skip was called while the
	// instance holds no recorded failure.
	ErrNoProcessError = errors.New("process instance has no recorded error")
)

// InvalidTransitionError reports a lifecycle operation invoked in the wrong
// state. This is a programmer error, not a recoverable outcome.
type InvalidTransitionError struct {
	Op   string
	From models.InstanceStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s a %s process instance", e.Op, e.From)
}

// IsInvalidTransition checks whether an error is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError

	return errors.As(err, &ite)
}
