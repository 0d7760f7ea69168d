// Package instance implements the process-instance state machine: the
// node-instance table, variable bindings and the lifecycle status.
//
// The state machine is not internally synchronized. Callers must serialize
// all mutating operations against one instance id; the service layer
// enforces that with a per-instance unit of work. Completion events may be
// enqueued from any goroutine and are drained inside the unit of work.
package instance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/workitem"
)

// WorkItemExecutor is the slice of the work-item manager the state machine
// needs: dispatching new work and cascading aborts.
type WorkItemExecutor interface {
	ExecuteWorkItem(ctx context.Context, wi *models.WorkItem) error
	InternalAbortWorkItem(ctx context.Context, id string) error
}

// CompletionEvent is a work-item completion or abort waiting to be applied
// to the state machine.
type CompletionEvent struct {
	Signal   string
	WorkItem *models.WorkItem
}

// ProcessInstance is one running execution of a process definition.
type ProcessInstance struct {
	id            string
	def           *models.ProcessDefinition
	status        models.InstanceStatus
	vars          map[string]any
	nodes         map[string]*NodeInstance
	perr          *models.ProcessError
	correlationID string
	readOnly      bool

	workItems WorkItemExecutor
	logger    *slog.Logger

	cmu         sync.Mutex
	completions []CompletionEvent
}

// New creates a pending instance of the given definition. A zero id is
// replaced with a random UUID.
func New(id string, def *models.ProcessDefinition, vars map[string]any, executor WorkItemExecutor, logger *slog.Logger) *ProcessInstance {
	if id == "" {
		id = uuid.New().String()
	}

	if vars == nil {
		vars = make(map[string]any)
	}

	return &ProcessInstance{
		id:        id,
		def:       def,
		status:    models.InstanceStatusPending,
		vars:      vars,
		nodes:     make(map[string]*NodeInstance),
		workItems: executor,
		logger:    logger.With("module", "process_instance", "process_instance_id", id),
	}
}

// Rehydrate rebuilds an instance from snapshot state. Used by the
// marshaller; the node instances must already be rebound to the definition.
func Rehydrate(
	id string,
	def *models.ProcessDefinition,
	status models.InstanceStatus,
	vars map[string]any,
	perr *models.ProcessError,
	correlationID string,
	nodes []*NodeInstance,
	readOnly bool,
	executor WorkItemExecutor,
	logger *slog.Logger,
) *ProcessInstance {
	pi := New(id, def, vars, executor, logger)
	pi.status = status
	pi.perr = perr
	pi.correlationID = correlationID
	pi.readOnly = readOnly

	for _, ni := range nodes {
		ni.OwnerID = id
		pi.nodes[ni.ID] = ni
	}

	return pi
}

func (pi *ProcessInstance) ID() string                            { return pi.id }
func (pi *ProcessInstance) ProcessID() string                     { return pi.def.ID }
func (pi *ProcessInstance) Definition() *models.ProcessDefinition { return pi.def }
func (pi *ProcessInstance) Status() models.InstanceStatus         { return pi.status }
func (pi *ProcessInstance) ProcessError() *models.ProcessError    { return pi.perr }
func (pi *ProcessInstance) ReadOnly() bool                        { return pi.readOnly }
func (pi *ProcessInstance) CorrelationID() string                 { return pi.correlationID }

// SetCorrelationID registers the correlation back-link carried by the
// message that created this instance.
func (pi *ProcessInstance) SetCorrelationID(id string) { pi.correlationID = id }

// Variables returns a copy of the current variable bindings.
func (pi *ProcessInstance) Variables() map[string]any {
	vars := make(map[string]any, len(pi.vars))
	for k, v := range pi.vars {
		vars[k] = v
	}

	return vars
}

// NodeInstances returns the current node-instance table contents.
func (pi *ProcessInstance) NodeInstances() []*NodeInstance {
	nodes := make([]*NodeInstance, 0, len(pi.nodes))
	for _, ni := range pi.nodes {
		nodes = append(nodes, ni)
	}

	return nodes
}

// NodeInstanceByID looks up a node instance in the owner's table.
func (pi *ProcessInstance) NodeInstanceByID(id string) (*NodeInstance, bool) {
	ni, ok := pi.nodes[id]

	return ni, ok
}

// Start moves the instance from pending to active and triggers its entry
// nodes. A non-empty trigger selects the start nodes declaring it.
func (pi *ProcessInstance) Start(ctx context.Context, trigger string) error {
	if pi.readOnly {
		return ErrReadOnly
	}

	if pi.status != models.InstanceStatusPending {
		return &InvalidTransitionError{Op: "start", From: pi.status}
	}

	pi.status = models.InstanceStatusActive
	pi.logger.Info("Process instance started", "trigger", trigger)

	for _, node := range pi.def.StartNodes(trigger) {
		if err := pi.triggerNode(ctx, node); err != nil {
			return err
		}

		if pi.status != models.InstanceStatusActive {
			break
		}
	}

	pi.checkCompletion()

	return nil
}

// TriggerNode creates a node instance for the given node id and executes it.
// Only valid while active.
func (pi *ProcessInstance) TriggerNode(ctx context.Context, nodeID string) error {
	if pi.readOnly {
		return ErrReadOnly
	}

	if pi.status != models.InstanceStatusActive {
		return &InvalidTransitionError{Op: "trigger node on", From: pi.status}
	}

	node := pi.def.NodeByID(nodeID)
	if node == nil {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}

	if err := pi.triggerNode(ctx, node); err != nil {
		return err
	}

	pi.checkCompletion()

	return nil
}

// RetriggerNodeInstance re-creates and re-executes an existing node
// instance, keeping its id.
func (pi *ProcessInstance) RetriggerNodeInstance(ctx context.Context, nodeInstanceID string) error {
	if pi.readOnly {
		return ErrReadOnly
	}

	if pi.status != models.InstanceStatusActive {
		return &InvalidTransitionError{Op: "retrigger node on", From: pi.status}
	}

	ni, ok := pi.nodes[nodeInstanceID]
	if !ok {
		return fmt.Errorf("%w: node instance %s", ErrNodeNotFound, nodeInstanceID)
	}

	node := pi.def.NodeByID(ni.NodeID)
	if node == nil {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, ni.NodeID)
	}

	ni.State = NodeInstanceStateEntered
	ni.WaitingOn = nil

	if err := pi.executeNode(ctx, node, ni); err != nil {
		return err
	}

	pi.checkCompletion()

	return nil
}

// SignalEvent delivers a named signal to every waiting node instance whose
// subscription matches. Work-item completion signals carry the work item as
// payload and target the node instance owning that work item.
func (pi *ProcessInstance) SignalEvent(ctx context.Context, signal string, payload any) error {
	if pi.readOnly {
		return ErrReadOnly
	}

	if pi.status != models.InstanceStatusActive {
		pi.logger.Debug("Signal dropped, instance not active",
			"signal", signal, "status", string(pi.status))

		return nil
	}

	switch signal {
	case models.SignalWorkItemCompleted, models.SignalWorkItemAborted:
		wi, ok := payload.(*models.WorkItem)
		if !ok {
			return fmt.Errorf("signal %s requires a work item payload", signal)
		}

		return pi.applyWorkItemSignal(ctx, signal, wi)
	default:
		return pi.applySignal(ctx, signal, payload)
	}
}

// EnqueueCompletion buffers a completion event for the next drain. Safe to
// call from any goroutine.
func (pi *ProcessInstance) EnqueueCompletion(ev CompletionEvent) {
	pi.cmu.Lock()
	defer pi.cmu.Unlock()

	pi.completions = append(pi.completions, ev)
}

// DrainCompletions applies all buffered completion events in order. Must be
// called within the instance's unit of work.
func (pi *ProcessInstance) DrainCompletions(ctx context.Context) error {
	for {
		pi.cmu.Lock()
		pending := pi.completions
		pi.completions = nil
		pi.cmu.Unlock()

		if len(pending) == 0 {
			return nil
		}

		for _, ev := range pending {
			if err := pi.SignalEvent(ctx, ev.Signal, ev.WorkItem); err != nil {
				return err
			}
		}
	}
}

// Abort cancels the instance and best-effort aborts its outstanding work
// items. A handler that fails to abort does not block the transition; the
// failure is recorded as the instance's process error.
func (pi *ProcessInstance) Abort(ctx context.Context) error {
	if pi.readOnly {
		return ErrReadOnly
	}

	switch pi.status {
	case models.InstanceStatusActive, models.InstanceStatusSuspended, models.InstanceStatusError:
	default:
		return &InvalidTransitionError{Op: "abort", From: pi.status}
	}

	for id, ni := range pi.nodes {
		if ni.WorkItemID != "" {
			if err := pi.workItems.InternalAbortWorkItem(ctx, ni.WorkItemID); err != nil {
				pi.logger.Warn("Work item abort failed during instance abort",
					"work_item_id", ni.WorkItemID, "error", err)
				pi.perr = &models.ProcessError{FailedNodeID: ni.NodeID, Message: err.Error()}
			}
		}

		delete(pi.nodes, id)
	}

	pi.status = models.InstanceStatusAborted
	pi.logger.Info("Process instance aborted")

	return nil
}

// Suspend pauses an active instance.
func (pi *ProcessInstance) Suspend() error {
	if pi.readOnly {
		return ErrReadOnly
	}

	if pi.status != models.InstanceStatusActive {
		return &InvalidTransitionError{Op: "suspend", From: pi.status}
	}

	pi.status = models.InstanceStatusSuspended

	return nil
}

// Resume reactivates a suspended instance.
func (pi *ProcessInstance) Resume() error {
	if pi.readOnly {
		return ErrReadOnly
	}

	if pi.status != models.InstanceStatusSuspended {
		return &InvalidTransitionError{Op: "resume", From: pi.status}
	}

	pi.status = models.InstanceStatusActive

	return nil
}

// Retrigger discards the recorded process error and replays the failed node
// from its start.
func (pi *ProcessInstance) Retrigger(ctx context.Context) error {
	node, ni, err := pi.failedNode()
	if err != nil {
		return err
	}

	pi.perr = nil
	pi.status = models.InstanceStatusActive
	ni.State = NodeInstanceStateEntered

	if err := pi.executeNode(ctx, node, ni); err != nil {
		return err
	}

	pi.checkCompletion()

	return nil
}

// Skip discards the recorded process error and treats the failed node as if
// it had completed without side effects.
func (pi *ProcessInstance) Skip(ctx context.Context) error {
	node, ni, err := pi.failedNode()
	if err != nil {
		return err
	}

	pi.perr = nil
	pi.status = models.InstanceStatusActive
	pi.dropStaleWorkItem(ctx, ni)

	if err := pi.completeNodeInstance(ctx, node, ni); err != nil {
		return err
	}

	pi.checkCompletion()

	return nil
}

// Restore replaces the instance's runtime state from a snapshot. Used by the
// marshaller's reload path only.
func (pi *ProcessInstance) Restore(status models.InstanceStatus, vars map[string]any, perr *models.ProcessError, nodes []*NodeInstance) {
	pi.status = status
	pi.vars = vars
	pi.perr = perr
	pi.nodes = make(map[string]*NodeInstance, len(nodes))

	for _, ni := range nodes {
		ni.OwnerID = pi.id
		pi.nodes[ni.ID] = ni
	}
}

func (pi *ProcessInstance) failedNode() (*models.Node, *NodeInstance, error) {
	if pi.readOnly {
		return nil, nil, ErrReadOnly
	}

	if pi.status != models.InstanceStatusError || pi.perr == nil {
		return nil, nil, ErrNoProcessError
	}

	for _, ni := range pi.nodes {
		if ni.State == NodeInstanceStateFailed && ni.NodeID == pi.perr.FailedNodeID {
			node := pi.def.NodeByID(ni.NodeID)
			if node == nil {
				return nil, nil, fmt.Errorf("%w: %s", ErrNodeNotFound, ni.NodeID)
			}

			return node, ni, nil
		}
	}

	return nil, nil, fmt.Errorf("%w: failed node instance for %s", ErrNodeNotFound, pi.perr.FailedNodeID)
}

func (pi *ProcessInstance) triggerNode(ctx context.Context, node *models.Node) error {
	ni := &NodeInstance{
		ID:      uuid.New().String(),
		NodeID:  node.ID,
		OwnerID: pi.id,
		State:   NodeInstanceStateEntered,
	}
	pi.nodes[ni.ID] = ni

	return pi.executeNode(ctx, node, ni)
}

func (pi *ProcessInstance) executeNode(ctx context.Context, node *models.Node, ni *NodeInstance) error {
	switch node.Type {
	case models.NodeTypeWorkItem:
		pi.dropStaleWorkItem(ctx, ni)

		wi := &models.WorkItem{
			Name:              node.WorkName,
			Parameters:        pi.resolveParameters(node),
			ProcessInstanceID: pi.id,
			NodeInstanceID:    ni.ID,
		}

		err := pi.workItems.ExecuteWorkItem(ctx, wi)
		if workitem.IsHandlerNotFound(err) {
			// Definitional error: fatal to the triggering operation, not a
			// recoverable node failure.
			delete(pi.nodes, ni.ID)

			return err
		}

		if err != nil {
			// The manager tracked the item before the handler failed; keep
			// its id so abort, retrigger and skip can clean it up.
			ni.WorkItemID = wi.ID
			pi.fail(node, ni, err)

			return nil
		}

		ni.State = NodeInstanceStateWaiting
		ni.WorkItemID = wi.ID

		return nil

	case models.NodeTypeEvent:
		ni.State = NodeInstanceStateWaiting
		ni.WaitingOn = append([]string(nil), node.Signals...)

		return nil

	case models.NodeTypeTask:
		if node.Action == nil {
			return pi.completeNodeInstance(ctx, node, ni)
		}

		results, err := node.Action(pi.Variables())
		if err != nil {
			pi.fail(node, ni, err)

			return nil
		}

		pi.mergeVariables(results)

		return pi.completeNodeInstance(ctx, node, ni)

	default:
		return fmt.Errorf("%w: node %s has unknown type %q", ErrNodeNotFound, node.ID, node.Type)
	}
}

func (pi *ProcessInstance) applyWorkItemSignal(ctx context.Context, signal string, wi *models.WorkItem) error {
	for _, ni := range pi.nodes {
		if ni.State != NodeInstanceStateWaiting || ni.WorkItemID != wi.ID {
			continue
		}

		if signal == models.SignalWorkItemCompleted {
			pi.mergeVariables(wi.Results)
		}

		node := pi.def.NodeByID(ni.NodeID)
		if node == nil {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, ni.NodeID)
		}

		if err := pi.completeNodeInstance(ctx, node, ni); err != nil {
			return err
		}

		pi.checkCompletion()

		return nil
	}

	pi.logger.Debug("Work item signal matched no waiting node", "work_item_id", wi.ID, "signal", signal)

	return nil
}

func (pi *ProcessInstance) applySignal(ctx context.Context, signal string, payload any) error {
	var matched []*NodeInstance

	for _, ni := range pi.nodes {
		if ni.State == NodeInstanceStateWaiting && ni.waitsFor(signal) {
			matched = append(matched, ni)
		}
	}

	if len(matched) == 0 {
		pi.logger.Debug("Signal matched no waiting node", "signal", signal)

		return nil
	}

	if vars, ok := payload.(map[string]any); ok {
		pi.mergeVariables(vars)
	} else if payload != nil {
		pi.vars[signal] = payload
	}

	for _, ni := range matched {
		node := pi.def.NodeByID(ni.NodeID)
		if node == nil {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, ni.NodeID)
		}

		if err := pi.completeNodeInstance(ctx, node, ni); err != nil {
			return err
		}
	}

	pi.checkCompletion()

	return nil
}

func (pi *ProcessInstance) completeNodeInstance(ctx context.Context, node *models.Node, ni *NodeInstance) error {
	delete(pi.nodes, ni.ID)

	for _, nextID := range node.Next {
		if pi.status != models.InstanceStatusActive {
			break
		}

		next := pi.def.NodeByID(nextID)
		if next == nil {
			return fmt.Errorf("%w: %s", ErrNodeNotFound, nextID)
		}

		if err := pi.triggerNode(ctx, next); err != nil {
			return err
		}
	}

	return nil
}

// dropStaleWorkItem aborts and forgets the work item left behind by a
// previous execution of the node instance, so the manager's table does not
// accumulate entries across failures and retriggers.
func (pi *ProcessInstance) dropStaleWorkItem(ctx context.Context, ni *NodeInstance) {
	if ni.WorkItemID == "" {
		return
	}

	if err := pi.workItems.InternalAbortWorkItem(ctx, ni.WorkItemID); err != nil {
		pi.logger.Warn("Stale work item abort failed",
			"work_item_id", ni.WorkItemID, "node_id", ni.NodeID, "error", err)
	}

	ni.WorkItemID = ""
}

// fail records the node failure. The node instance keeps its work-item id
// so the item can still be reached by Abort and cleaned up on retrigger or
// skip; the manager keeps failed items tracked for exactly that.
func (pi *ProcessInstance) fail(node *models.Node, ni *NodeInstance, err error) {
	ni.State = NodeInstanceStateFailed
	pi.perr = &models.ProcessError{FailedNodeID: node.ID, Message: err.Error()}
	pi.status = models.InstanceStatusError

	pi.logger.Error("Node execution failed", "node_id", node.ID, "error", err)
}

func (pi *ProcessInstance) checkCompletion() {
	if pi.status == models.InstanceStatusActive && len(pi.nodes) == 0 {
		pi.status = models.InstanceStatusCompleted
		pi.logger.Info("Process instance completed")
	}
}

func (pi *ProcessInstance) mergeVariables(vars map[string]any) {
	for k, v := range vars {
		pi.vars[k] = v
	}
}

func (pi *ProcessInstance) resolveParameters(node *models.Node) map[string]any {
	params := make(map[string]any, len(node.Parameters))

	for k, v := range node.Parameters {
		params[k] = v
	}

	// Variables shadow static parameters of the same name.
	for k, v := range pi.vars {
		if _, declared := node.Parameters[k]; declared {
			params[k] = v
		}
	}

	return params
}
