// Package marshaller serializes a live process instance to a versioned
// binary envelope and reconstructs it later, possibly against a newer
// compatible process definition.
package marshaller

import (
	"errors"
	"fmt"
)

// MarshallingError wraps every encoding and decoding failure of the
// subsystem. A failed unmarshal never leaves a half-built instance
// reachable.
type MarshallingError struct {
	Op  string
	Err error
}

func (e *MarshallingError) Error() string {
	return fmt.Sprintf("marshalling failed during %s: %v", e.Op, e.Err)
}

func (e *MarshallingError) Unwrap() error {
	return e.Err
}

// IsMarshallingError checks whether an error originated in this subsystem.
func IsMarshallingError(err error) bool {
	var me *MarshallingError

	return errors.As(err, &me)
}

func wrap(op string, err error) error {
	return &MarshallingError{Op: op, Err: err}
}
