// Package models defines the core domain models for business-process execution.
package models

// NodeType classifies what a node does when triggered.
type NodeType string

const (
	// NodeTypeTask runs an in-process action function.
	NodeTypeTask NodeType = "task"
	// NodeTypeWorkItem delegates to an external work-item handler.
	NodeTypeWorkItem NodeType = "work-item"
	// NodeTypeEvent waits for a named signal.
	NodeTypeEvent NodeType = "event"
)

// Action is the in-process behavior of a task node. It receives the current
// variable bindings and returns values to merge back into them.
type Action func(vars map[string]any) (map[string]any, error)

// Node is one node of a process definition: a task, an external work item or
// an event wait. Node IDs must be stable across definition versions; the
// snapshot migration contract depends on it.
type Node struct {
	ID   string   `json:"id"   validate:"required"`
	Name string   `json:"name" validate:"required,min=1"`
	Type NodeType `json:"type" validate:"required"`

	// WorkName selects the registered work-item handler. Work-item nodes only.
	WorkName string `json:"work_name,omitempty"`

	// Parameters seed the work item built when this node is triggered.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Signals this node waits on while active. Event nodes require at least
	// one entry.
	Signals []string `json:"signals,omitempty"`

	// Deadlines holds the textual deadline expression for this node, parsed
	// at definition build time.
	Deadlines string `json:"deadlines,omitempty"`

	// Next lists the node IDs triggered when this node completes.
	Next []string `json:"next,omitempty"`

	// Start marks this node as an entry point of the process.
	Start bool `json:"start,omitempty"`

	// Trigger names the message that starts the process at this node. Only
	// meaningful on start nodes.
	Trigger string `json:"trigger,omitempty"`

	// Action is the behavior of task nodes. Not serialized; rebound from the
	// definition on unmarshal.
	Action Action `json:"-"`
}

// ProcessDefinition describes an executable process: its identity, the
// runtime source used for cloud-event matching, and the node graph.
type ProcessDefinition struct {
	ID      string  `json:"id"      validate:"required"`
	Name    string  `json:"name"    validate:"required,min=3"`
	Version string  `json:"version" validate:"required"`
	Source  string  `json:"source"`
	Nodes   []*Node `json:"nodes"   validate:"required,min=1,dive"`
}

// NodeByID returns the node with the given id, or nil.
func (d *ProcessDefinition) NodeByID(id string) *Node {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n
		}
	}

	return nil
}

// StartNodes returns the entry nodes for the given trigger. A non-empty
// trigger selects nodes declaring that trigger; otherwise all nodes marked
// Start are returned.
func (d *ProcessDefinition) StartNodes(trigger string) []*Node {
	var nodes []*Node

	if trigger != "" {
		for _, n := range d.Nodes {
			if n.Start && n.Trigger == trigger {
				nodes = append(nodes, n)
			}
		}

		if len(nodes) > 0 {
			return nodes
		}
	}

	for _, n := range d.Nodes {
		if n.Start {
			nodes = append(nodes, n)
		}
	}

	return nodes
}
