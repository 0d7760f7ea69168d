package instance

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/pkg/log"
	"github.com/procflow/procflow/pkg/models"
)

type fakeExecutor struct {
	executed []*models.WorkItem
	aborted  []string
	execErr  error
	abortErr error
}

// ExecuteWorkItem mirrors the manager: the item gets its id and is tracked
// before the handler runs, so a failing handler still leaves it behind.
func (f *fakeExecutor) ExecuteWorkItem(_ context.Context, wi *models.WorkItem) error {
	wi.ID = "wi-" + wi.NodeInstanceID
	wi.State = models.WorkItemStateActive
	f.executed = append(f.executed, wi)

	return f.execErr
}

func (f *fakeExecutor) InternalAbortWorkItem(_ context.Context, id string) error {
	f.aborted = append(f.aborted, id)

	return f.abortErr
}

func taskDef(action models.Action) *models.ProcessDefinition {
	return &models.ProcessDefinition{
		ID:      "orders",
		Name:    "Order Process",
		Version: "1.0",
		Nodes: []*models.Node{
			{ID: "t1", Name: "prepare", Type: models.NodeTypeTask, Start: true, Action: action},
		},
	}
}

func newInstance(t *testing.T, def *models.ProcessDefinition, exec WorkItemExecutor) *ProcessInstance {
	t.Helper()

	if exec == nil {
		exec = &fakeExecutor{}
	}

	return New("", def, nil, exec, log.NewTestLogger())
}

func TestStart_CompletesPureTaskProcess(t *testing.T) {
	pi := newInstance(t, taskDef(func(vars map[string]any) (map[string]any, error) {
		return map[string]any{"prepared": true}, nil
	}), nil)

	require.Equal(t, models.InstanceStatusPending, pi.Status())
	require.NoError(t, pi.Start(context.Background(), ""))

	assert.Equal(t, models.InstanceStatusCompleted, pi.Status())
	assert.Equal(t, true, pi.Variables()["prepared"])
	assert.Empty(t, pi.NodeInstances())
}

func TestStart_InvalidWhenNotPending(t *testing.T) {
	pi := newInstance(t, taskDef(nil), nil)
	require.NoError(t, pi.Start(context.Background(), ""))

	err := pi.Start(context.Background(), "")
	require.Error(t, err)
	assert.True(t, IsInvalidTransition(err))
}

func TestStart_TriggerSelectsStartNode(t *testing.T) {
	def := &models.ProcessDefinition{
		ID:      "routes",
		Name:    "Routed Process",
		Version: "1.0",
		Nodes: []*models.Node{
			{ID: "a", Name: "a", Type: models.NodeTypeTask, Start: true, Trigger: "Message-a",
				Action: func(vars map[string]any) (map[string]any, error) {
					return map[string]any{"route": "a"}, nil
				}},
			{ID: "b", Name: "b", Type: models.NodeTypeTask, Start: true, Trigger: "Message-b",
				Action: func(vars map[string]any) (map[string]any, error) {
					return map[string]any{"route": "b"}, nil
				}},
		},
	}

	pi := newInstance(t, def, nil)
	require.NoError(t, pi.Start(context.Background(), "Message-b"))
	assert.Equal(t, "b", pi.Variables()["route"])
}

func TestWorkItemNode_WaitsAndCompletes(t *testing.T) {
	exec := &fakeExecutor{}
	def := &models.ProcessDefinition{
		ID:      "orders",
		Name:    "Order Process",
		Version: "1.0",
		Nodes: []*models.Node{
			{ID: "w1", Name: "ship", Type: models.NodeTypeWorkItem, Start: true,
				WorkName: "shipping", Parameters: map[string]any{"carrier": "dhl"}},
		},
	}

	pi := newInstance(t, def, exec)
	require.NoError(t, pi.Start(context.Background(), ""))

	assert.Equal(t, models.InstanceStatusActive, pi.Status())
	require.Len(t, exec.executed, 1)

	wi := exec.executed[0]
	assert.Equal(t, "shipping", wi.Name)
	assert.Equal(t, "dhl", wi.Parameters["carrier"])
	assert.Equal(t, pi.ID(), wi.ProcessInstanceID)

	nodes := pi.NodeInstances()
	require.Len(t, nodes, 1)
	assert.Equal(t, NodeInstanceStateWaiting, nodes[0].State)
	assert.Equal(t, wi.ID, nodes[0].WorkItemID)

	wi.Results = map[string]any{"tracking": "XYZ"}
	require.NoError(t, pi.SignalEvent(context.Background(), models.SignalWorkItemCompleted, wi))

	assert.Equal(t, models.InstanceStatusCompleted, pi.Status())
	assert.Equal(t, "XYZ", pi.Variables()["tracking"])
}

func TestWorkItemNode_AbortSignalSkipsResultMerge(t *testing.T) {
	exec := &fakeExecutor{}
	def := &models.ProcessDefinition{
		ID:      "orders",
		Name:    "Order Process",
		Version: "1.0",
		Nodes: []*models.Node{
			{ID: "w1", Name: "ship", Type: models.NodeTypeWorkItem, Start: true, WorkName: "shipping"},
		},
	}

	pi := newInstance(t, def, exec)
	require.NoError(t, pi.Start(context.Background(), ""))

	wi := exec.executed[0]
	wi.Results = map[string]any{"tracking": "XYZ"}
	require.NoError(t, pi.SignalEvent(context.Background(), models.SignalWorkItemAborted, wi))

	assert.Equal(t, models.InstanceStatusCompleted, pi.Status())
	assert.NotContains(t, pi.Variables(), "tracking")
}

func TestEventNode_SignalCompletesWait(t *testing.T) {
	def := &models.ProcessDefinition{
		ID:      "orders",
		Name:    "Order Process",
		Version: "1.0",
		Nodes: []*models.Node{
			{ID: "e1", Name: "wait", Type: models.NodeTypeEvent, Start: true,
				Signals: []string{"Message-orders"}, Next: []string{"t1"}},
			{ID: "t1", Name: "after", Type: models.NodeTypeTask,
				Action: func(vars map[string]any) (map[string]any, error) {
					return map[string]any{"done": true}, nil
				}},
		},
	}

	pi := newInstance(t, def, nil)
	require.NoError(t, pi.Start(context.Background(), ""))
	assert.Equal(t, models.InstanceStatusActive, pi.Status())

	require.NoError(t, pi.SignalEvent(context.Background(), "Message-orders", map[string]any{"qty": 3}))

	assert.Equal(t, models.InstanceStatusCompleted, pi.Status())
	assert.Equal(t, 3, pi.Variables()["qty"])
	assert.Equal(t, true, pi.Variables()["done"])
}

func TestSignalEvent_NoMatchIsNoOp(t *testing.T) {
	def := &models.ProcessDefinition{
		ID:      "orders",
		Name:    "Order Process",
		Version: "1.0",
		Nodes: []*models.Node{
			{ID: "e1", Name: "wait", Type: models.NodeTypeEvent, Start: true, Signals: []string{"expected"}},
		},
	}

	pi := newInstance(t, def, nil)
	require.NoError(t, pi.Start(context.Background(), ""))
	require.NoError(t, pi.SignalEvent(context.Background(), "unexpected", nil))

	assert.Equal(t, models.InstanceStatusActive, pi.Status())
}

func TestErrorPath_RetriggerReplaysFailedNode(t *testing.T) {
	attempts := 0
	pi := newInstance(t, taskDef(func(vars map[string]any) (map[string]any, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("downstream unavailable")
		}

		return map[string]any{"ok": true}, nil
	}), nil)

	require.NoError(t, pi.Start(context.Background(), ""))

	assert.Equal(t, models.InstanceStatusError, pi.Status())
	require.NotNil(t, pi.ProcessError())
	assert.Equal(t, "t1", pi.ProcessError().FailedNodeID)
	require.Len(t, pi.NodeInstances(), 1)

	require.NoError(t, pi.Retrigger(context.Background()))

	assert.Nil(t, pi.ProcessError())
	assert.Equal(t, models.InstanceStatusCompleted, pi.Status())
	assert.Equal(t, true, pi.Variables()["ok"])
	assert.Equal(t, 2, attempts)
}

func TestErrorPath_SkipBypassesFailedNode(t *testing.T) {
	attempts := 0
	pi := newInstance(t, taskDef(func(vars map[string]any) (map[string]any, error) {
		attempts++

		return nil, errors.New("always fails")
	}), nil)

	require.NoError(t, pi.Start(context.Background(), ""))
	require.Equal(t, models.InstanceStatusError, pi.Status())

	require.NoError(t, pi.Skip(context.Background()))

	assert.Nil(t, pi.ProcessError())
	assert.Equal(t, models.InstanceStatusCompleted, pi.Status())
	assert.Equal(t, 1, attempts)
}

func TestRetrigger_WithoutErrorFails(t *testing.T) {
	pi := newInstance(t, taskDef(nil), nil)
	require.NoError(t, pi.Start(context.Background(), ""))

	assert.ErrorIs(t, pi.Retrigger(context.Background()), ErrNoProcessError)
}

func TestAbort_CascadesToOutstandingWorkItems(t *testing.T) {
	exec := &fakeExecutor{}
	def := &models.ProcessDefinition{
		ID:      "orders",
		Name:    "Order Process",
		Version: "1.0",
		Nodes: []*models.Node{
			{ID: "w1", Name: "ship", Type: models.NodeTypeWorkItem, Start: true, WorkName: "shipping"},
		},
	}

	pi := newInstance(t, def, exec)
	require.NoError(t, pi.Start(context.Background(), ""))

	require.NoError(t, pi.Abort(context.Background()))

	assert.Equal(t, models.InstanceStatusAborted, pi.Status())
	require.Len(t, exec.aborted, 1)
	assert.Empty(t, pi.NodeInstances())
}

func TestAbort_HandlerFailureDoesNotBlockTransition(t *testing.T) {
	exec := &fakeExecutor{abortErr: errors.New("handler hung")}
	def := &models.ProcessDefinition{
		ID:      "orders",
		Name:    "Order Process",
		Version: "1.0",
		Nodes: []*models.Node{
			{ID: "w1", Name: "ship", Type: models.NodeTypeWorkItem, Start: true, WorkName: "shipping"},
		},
	}

	pi := newInstance(t, def, exec)
	require.NoError(t, pi.Start(context.Background(), ""))
	require.NoError(t, pi.Abort(context.Background()))

	assert.Equal(t, models.InstanceStatusAborted, pi.Status())
	require.NotNil(t, pi.ProcessError())
	assert.Equal(t, "w1", pi.ProcessError().FailedNodeID)
}

func TestAbort_ReachesWorkItemOfFailedNode(t *testing.T) {
	exec := &fakeExecutor{execErr: errors.New("handler exploded")}
	def := &models.ProcessDefinition{
		ID:      "orders",
		Name:    "Order Process",
		Version: "1.0",
		Nodes: []*models.Node{
			{ID: "w1", Name: "ship", Type: models.NodeTypeWorkItem, Start: true, WorkName: "shipping"},
		},
	}

	pi := newInstance(t, def, exec)
	require.NoError(t, pi.Start(context.Background(), ""))
	require.Equal(t, models.InstanceStatusError, pi.Status())

	nodes := pi.NodeInstances()
	require.Len(t, nodes, 1)
	require.NotEmpty(t, nodes[0].WorkItemID)
	staleID := nodes[0].WorkItemID

	require.NoError(t, pi.Abort(context.Background()))

	assert.Equal(t, models.InstanceStatusAborted, pi.Status())
	assert.Equal(t, []string{staleID}, exec.aborted)
	assert.Empty(t, pi.NodeInstances())
}

func TestRetrigger_DropsStaleWorkItemOfFailedNode(t *testing.T) {
	exec := &fakeExecutor{execErr: errors.New("downstream unavailable")}
	def := &models.ProcessDefinition{
		ID:      "orders",
		Name:    "Order Process",
		Version: "1.0",
		Nodes: []*models.Node{
			{ID: "w1", Name: "ship", Type: models.NodeTypeWorkItem, Start: true, WorkName: "shipping"},
		},
	}

	pi := newInstance(t, def, exec)
	require.NoError(t, pi.Start(context.Background(), ""))
	require.Equal(t, models.InstanceStatusError, pi.Status())

	staleID := pi.NodeInstances()[0].WorkItemID
	require.NotEmpty(t, staleID)

	exec.execErr = nil
	require.NoError(t, pi.Retrigger(context.Background()))

	assert.Equal(t, models.InstanceStatusActive, pi.Status())
	assert.Equal(t, []string{staleID}, exec.aborted)
	assert.Len(t, exec.executed, 2)
}

func TestSkip_DropsStaleWorkItemOfFailedNode(t *testing.T) {
	exec := &fakeExecutor{execErr: errors.New("always fails")}
	def := &models.ProcessDefinition{
		ID:      "orders",
		Name:    "Order Process",
		Version: "1.0",
		Nodes: []*models.Node{
			{ID: "w1", Name: "ship", Type: models.NodeTypeWorkItem, Start: true, WorkName: "shipping"},
		},
	}

	pi := newInstance(t, def, exec)
	require.NoError(t, pi.Start(context.Background(), ""))
	require.Equal(t, models.InstanceStatusError, pi.Status())

	staleID := pi.NodeInstances()[0].WorkItemID

	require.NoError(t, pi.Skip(context.Background()))

	assert.Equal(t, models.InstanceStatusCompleted, pi.Status())
	assert.Equal(t, []string{staleID}, exec.aborted)
}

func TestSuspendResume(t *testing.T) {
	def := &models.ProcessDefinition{
		ID:      "orders",
		Name:    "Order Process",
		Version: "1.0",
		Nodes: []*models.Node{
			{ID: "e1", Name: "wait", Type: models.NodeTypeEvent, Start: true, Signals: []string{"go"}},
		},
	}

	pi := newInstance(t, def, nil)
	require.NoError(t, pi.Start(context.Background(), ""))

	require.NoError(t, pi.Suspend())
	assert.Equal(t, models.InstanceStatusSuspended, pi.Status())

	// Signals while suspended are dropped, not errors.
	require.NoError(t, pi.SignalEvent(context.Background(), "go", nil))
	assert.Equal(t, models.InstanceStatusSuspended, pi.Status())

	require.NoError(t, pi.Resume())
	assert.Equal(t, models.InstanceStatusActive, pi.Status())

	assert.True(t, IsInvalidTransition(pi.Resume()))
}

func TestDrainCompletions_AppliesBufferedEvents(t *testing.T) {
	exec := &fakeExecutor{}
	def := &models.ProcessDefinition{
		ID:      "orders",
		Name:    "Order Process",
		Version: "1.0",
		Nodes: []*models.Node{
			{ID: "w1", Name: "ship", Type: models.NodeTypeWorkItem, Start: true, WorkName: "shipping"},
		},
	}

	pi := newInstance(t, def, exec)
	require.NoError(t, pi.Start(context.Background(), ""))

	wi := exec.executed[0]
	wi.Results = map[string]any{"tracking": "ABC"}
	pi.EnqueueCompletion(CompletionEvent{Signal: models.SignalWorkItemCompleted, WorkItem: wi})

	require.NoError(t, pi.DrainCompletions(context.Background()))
	assert.Equal(t, models.InstanceStatusCompleted, pi.Status())
	assert.Equal(t, "ABC", pi.Variables()["tracking"])
}

func TestReadOnly_MutationsFailFast(t *testing.T) {
	def := taskDef(nil)
	pi := Rehydrate("pi-1", def, models.InstanceStatusActive, map[string]any{"a": 1}, nil, "",
		nil, true, &fakeExecutor{}, log.NewTestLogger())

	assert.ErrorIs(t, pi.Start(context.Background(), ""), ErrReadOnly)
	assert.ErrorIs(t, pi.SignalEvent(context.Background(), "x", nil), ErrReadOnly)
	assert.ErrorIs(t, pi.Abort(context.Background()), ErrReadOnly)
	assert.ErrorIs(t, pi.Suspend(), ErrReadOnly)
	assert.ErrorIs(t, pi.TriggerNode(context.Background(), "t1"), ErrReadOnly)
}
