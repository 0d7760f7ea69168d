// Package events defines the lifecycle event types emitted by the process
// engine.
package events

import (
	"time"

	"github.com/procflow/procflow/pkg/models"
)

type EventType string

// Event is anything publishable on the engine event bus.
type Event interface {
	GetType() EventType
}

// Topic carries all engine lifecycle events.
const Topic = "procflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	InstanceStartedEvent   EventType = "instance.started"
	InstanceCompletedEvent EventType = "instance.completed"
	InstanceAbortedEvent   EventType = "instance.aborted"
	InstanceSuspendedEvent EventType = "instance.suspended"
	InstanceResumedEvent   EventType = "instance.resumed"
	InstanceFailedEvent    EventType = "instance.failed"

	WorkItemCompletedEvent EventType = "workitem.completed"
	WorkItemAbortedEvent   EventType = "workitem.aborted"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	ProcessID  string         `json:"process_id"`
	InstanceID string         `json:"instance_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type InstanceStarted struct {
	BaseEvent

	Trigger       string `json:"trigger,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (e InstanceStarted) GetType() EventType {
	return InstanceStartedEvent
}

type InstanceCompleted struct {
	BaseEvent

	Variables map[string]any `json:"variables,omitempty"`
}

func (e InstanceCompleted) GetType() EventType {
	return InstanceCompletedEvent
}

type InstanceAborted struct {
	BaseEvent
}

func (e InstanceAborted) GetType() EventType {
	return InstanceAbortedEvent
}

type InstanceSuspended struct {
	BaseEvent
}

func (e InstanceSuspended) GetType() EventType {
	return InstanceSuspendedEvent
}

type InstanceResumed struct {
	BaseEvent
}

func (e InstanceResumed) GetType() EventType {
	return InstanceResumedEvent
}

type InstanceFailed struct {
	BaseEvent

	FailedNodeID string `json:"failed_node_id"`
	Error        string `json:"error"`
}

func (e InstanceFailed) GetType() EventType {
	return InstanceFailedEvent
}

type WorkItemCompleted struct {
	BaseEvent

	WorkItemID string         `json:"work_item_id"`
	Name       string         `json:"name"`
	Results    map[string]any `json:"results,omitempty"`
}

func (e WorkItemCompleted) GetType() EventType {
	return WorkItemCompletedEvent
}

type WorkItemAborted struct {
	BaseEvent

	WorkItemID string `json:"work_item_id"`
	Name       string `json:"name"`
}

func (e WorkItemAborted) GetType() EventType {
	return WorkItemAbortedEvent
}

// NewBase fills the common envelope of a lifecycle event.
func NewBase(id string, eventType EventType, processID, instanceID string) BaseEvent {
	return BaseEvent{
		ID:         id,
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		ProcessID:  processID,
		InstanceID: instanceID,
	}
}

// StatusEvent builds the lifecycle event matching an instance status
// transition, or nil when the status has no event.
func StatusEvent(id, processID, instanceID string, status models.InstanceStatus, perr *models.ProcessError) Event {
	switch status {
	case models.InstanceStatusCompleted:
		return InstanceCompleted{BaseEvent: NewBase(id, InstanceCompletedEvent, processID, instanceID)}
	case models.InstanceStatusAborted:
		return InstanceAborted{BaseEvent: NewBase(id, InstanceAbortedEvent, processID, instanceID)}
	case models.InstanceStatusSuspended:
		return InstanceSuspended{BaseEvent: NewBase(id, InstanceSuspendedEvent, processID, instanceID)}
	case models.InstanceStatusError:
		failed := InstanceFailed{BaseEvent: NewBase(id, InstanceFailedEvent, processID, instanceID)}
		if perr != nil {
			failed.FailedNodeID = perr.FailedNodeID
			failed.Error = perr.Message
		}

		return failed
	default:
		return nil
	}
}
