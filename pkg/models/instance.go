package models

// InstanceStatus is the lifecycle state of a process instance.
//
// Transitions are monotonic except Active <-> Suspended; Completed and
// Aborted are terminal.
type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "pending"
	InstanceStatusActive    InstanceStatus = "active"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusAborted   InstanceStatus = "aborted"
	InstanceStatusSuspended InstanceStatus = "suspended"
	InstanceStatusError     InstanceStatus = "error"
)

// Terminal reports whether no further transitions are possible.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusAborted
}

// ProcessError records a node failure on a process instance. It is cleared
// when the failed node is retriggered or skipped.
type ProcessError struct {
	FailedNodeID string `json:"failed_node_id"`
	Message      string `json:"message"`
}

func (e *ProcessError) Error() string {
	return "node " + e.FailedNodeID + " failed: " + e.Message
}
