// Package web provides HTTP request and response types for the process API.
package web

import (
	"github.com/procflow/procflow/pkg/instance"
	"github.com/procflow/procflow/pkg/models"
)

// CreateInstanceRequest represents the request body for starting a new
// process instance.
type CreateInstanceRequest struct {
	Variables     map[string]any `json:"variables"`
	Trigger       string         `json:"trigger,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// SignalRequest represents the request body for delivering a signal to an
// instance.
type SignalRequest struct {
	Signal  string `json:"signal"  validate:"required,min=1"`
	Payload any    `json:"payload,omitempty"`
}

// CompleteWorkItemRequest represents the request body for completing a work
// item through the API.
type CompleteWorkItemRequest struct {
	Results map[string]any `json:"results"`
}

// NodeInstanceResponse is the API view of one running node.
type NodeInstanceResponse struct {
	ID         string   `json:"id"`
	NodeID     string   `json:"node_id"`
	State      string   `json:"state"`
	WorkItemID string   `json:"work_item_id,omitempty"`
	WaitingOn  []string `json:"waiting_on,omitempty"`
}

// InstanceResponse is the API view of a process instance.
type InstanceResponse struct {
	ID            string                 `json:"id"`
	ProcessID     string                 `json:"process_id"`
	Status        string                 `json:"status"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Variables     map[string]any         `json:"variables,omitempty"`
	Error         *models.ProcessError   `json:"error,omitempty"`
	Nodes         []NodeInstanceResponse `json:"nodes,omitempty"`
}

// InstanceSummary is the list view of a persisted instance.
type InstanceSummary struct {
	ID        string `json:"id"`
	ProcessID string `json:"process_id"`
	Status    string `json:"status"`
}

// TransformInstanceResponse flattens a process instance into its API view.
func TransformInstanceResponse(inst *instance.ProcessInstance) InstanceResponse {
	response := InstanceResponse{
		ID:            inst.ID(),
		ProcessID:     inst.ProcessID(),
		Status:        string(inst.Status()),
		CorrelationID: inst.CorrelationID(),
		Variables:     inst.Variables(),
		Error:         inst.ProcessError(),
	}

	for _, ni := range inst.NodeInstances() {
		response.Nodes = append(response.Nodes, NodeInstanceResponse{
			ID:         ni.ID,
			NodeID:     ni.NodeID,
			State:      string(ni.State),
			WorkItemID: ni.WorkItemID,
			WaitingOn:  ni.WaitingOn,
		})
	}

	return response
}
