package instance

// NodeInstanceState is the transient execution state of a node instance.
type NodeInstanceState string

const (
	// NodeInstanceStateEntered means the node is executing or about to.
	NodeInstanceStateEntered NodeInstanceState = "entered"
	// NodeInstanceStateWaiting means the node is waiting for a signal or a
	// work-item completion.
	NodeInstanceStateWaiting NodeInstanceState = "waiting"
	// NodeInstanceStateFailed means the node raised an error; the instance
	// holds it until retrigger or skip.
	NodeInstanceStateFailed NodeInstanceState = "failed"
)

// NodeInstance is the runtime occurrence of one node within a process
// instance. The owning instance keeps all node instances in a table keyed by
// id; a node instance carries only the owner's id, never a live reference,
// and all cross-navigation goes through the owner's table.
type NodeInstance struct {
	ID      string            `json:"id"`
	NodeID  string            `json:"node_id"`
	OwnerID string            `json:"owner_id"`
	State   NodeInstanceState `json:"state"`

	// WorkItemID links a waiting work-item node to its outstanding work.
	WorkItemID string `json:"work_item_id,omitempty"`

	// WaitingOn lists the signal names this node instance reacts to.
	WaitingOn []string `json:"waiting_on,omitempty"`
}

func (ni *NodeInstance) waitsFor(signal string) bool {
	for _, s := range ni.WaitingOn {
		if s == signal {
			return true
		}
	}

	return false
}
