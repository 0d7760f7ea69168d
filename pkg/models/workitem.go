package models

import "time"

// Signals delivered to a process instance when external work finishes.
const (
	SignalWorkItemCompleted = "workItemCompleted"
	SignalWorkItemAborted   = "workItemAborted"
)

// WorkItemState is the lifecycle state of a work item.
type WorkItemState string

const (
	WorkItemStateActive    WorkItemState = "active"
	WorkItemStateCompleted WorkItemState = "completed"
	WorkItemStateAborted   WorkItemState = "aborted"
)

// WorkItem is a unit of external work requested by a node. The process and
// node instance ids are lookup references only; the manager does not own
// either side.
type WorkItem struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	State          WorkItemState  `json:"state"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	Results        map[string]any `json:"results,omitempty"`
	ProcessInstanceID string      `json:"process_instance_id"`
	NodeInstanceID string         `json:"node_instance_id"`
	Phase          string         `json:"phase,omitempty"`
	PhaseStatus    string         `json:"phase_status,omitempty"`
	StartedAt      time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}
