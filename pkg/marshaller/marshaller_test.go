package marshaller

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procflow/procflow/pkg/instance"
	"github.com/procflow/procflow/pkg/log"
	"github.com/procflow/procflow/pkg/models"
)

type noopExecutor struct{}

func (noopExecutor) ExecuteWorkItem(_ context.Context, wi *models.WorkItem) error {
	wi.ID = "wi-" + wi.NodeInstanceID

	return nil
}

func (noopExecutor) InternalAbortWorkItem(context.Context, string) error { return nil }

type fakeSource struct {
	items []*models.WorkItem
}

func (f *fakeSource) WorkItemsForInstance(string) []*models.WorkItem { return f.items }

type fakeRestorer struct {
	restored []*models.WorkItem
}

func (f *fakeRestorer) RestoreWorkItem(wi *models.WorkItem) {
	f.restored = append(f.restored, wi)
}

func waitingDef() *models.ProcessDefinition {
	return &models.ProcessDefinition{
		ID:      "orders",
		Name:    "Order Process",
		Version: "1.0",
		Nodes: []*models.Node{
			{ID: "w1", Name: "ship", Type: models.NodeTypeWorkItem, Start: true, WorkName: "shipping"},
			{ID: "e1", Name: "wait", Type: models.NodeTypeEvent, Start: true, Signals: []string{"Message-orders"}},
		},
	}
}

func startedInstance(t *testing.T, def *models.ProcessDefinition) *instance.ProcessInstance {
	t.Helper()

	pi := instance.New("pi-1", def, map[string]any{
		"customer": "acme",
		"amount":   12.5,
		"priority": true,
	}, noopExecutor{}, log.NewTestLogger())
	require.NoError(t, pi.Start(context.Background(), ""))

	return pi
}

func TestMarshalUnmarshal_RoundTrip(t *testing.T) {
	def := waitingDef()
	pi := startedInstance(t, def)
	pi.SetCorrelationID("corr-9")

	m := NewMarshaller(log.NewTestLogger(), nil)

	data, err := m.MarshalProcessInstance(pi)
	require.NoError(t, err)

	restored, err := m.UnmarshalProcessInstance(data, def, false, noopExecutor{}, nil)
	require.NoError(t, err)

	assert.Equal(t, pi.ID(), restored.ID())
	assert.Equal(t, pi.Status(), restored.Status())
	assert.Equal(t, "corr-9", restored.CorrelationID())
	assert.Equal(t, pi.Variables(), restored.Variables())

	wantIDs := map[string]string{}
	for _, ni := range pi.NodeInstances() {
		wantIDs[ni.ID] = ni.NodeID
	}

	gotIDs := map[string]string{}
	for _, ni := range restored.NodeInstances() {
		gotIDs[ni.ID] = ni.NodeID
	}

	assert.Equal(t, wantIDs, gotIDs)
}

func TestMarshal_Deterministic(t *testing.T) {
	def := waitingDef()
	pi := startedInstance(t, def)
	m := NewMarshaller(log.NewTestLogger(), nil)

	first, err := m.MarshalProcessInstance(pi)
	require.NoError(t, err)

	second, err := m.MarshalProcessInstance(pi)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestUnmarshal_MigrationRebindsToNewDefinition(t *testing.T) {
	def := waitingDef()
	pi := startedInstance(t, def)
	m := NewMarshaller(log.NewTestLogger(), nil)

	data, err := m.MarshalProcessInstance(pi)
	require.NoError(t, err)

	// Newer compatible definition: same node ids, extra node, new version.
	migrated := waitingDef()
	migrated.Version = "2.0"
	migrated.Nodes = append(migrated.Nodes, &models.Node{
		ID: "t9", Name: "audit", Type: models.NodeTypeTask,
	})

	restored, err := m.UnmarshalProcessInstance(data, migrated, false, noopExecutor{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "2.0", restored.Definition().Version)
}

func TestUnmarshal_IncompatibleDefinitionFails(t *testing.T) {
	def := waitingDef()
	pi := startedInstance(t, def)
	m := NewMarshaller(log.NewTestLogger(), nil)

	data, err := m.MarshalProcessInstance(pi)
	require.NoError(t, err)

	incompatible := &models.ProcessDefinition{
		ID:      "orders",
		Name:    "Order Process",
		Version: "3.0",
		Nodes: []*models.Node{
			{ID: "renamed", Name: "ship", Type: models.NodeTypeWorkItem, Start: true, WorkName: "shipping"},
		},
	}

	_, err = m.UnmarshalProcessInstance(data, incompatible, false, noopExecutor{}, nil)
	require.Error(t, err)
	assert.True(t, IsMarshallingError(err))
}

func TestUnmarshal_WrongProcessFails(t *testing.T) {
	def := waitingDef()
	pi := startedInstance(t, def)
	m := NewMarshaller(log.NewTestLogger(), nil)

	data, err := m.MarshalProcessInstance(pi)
	require.NoError(t, err)

	other := &models.ProcessDefinition{
		ID: "claims", Name: "Claim Process", Version: "1.0",
		Nodes: []*models.Node{{ID: "c1", Name: "c", Type: models.NodeTypeTask, Start: true}},
	}

	_, err = m.UnmarshalProcessInstance(data, other, false, noopExecutor{}, nil)
	assert.True(t, IsMarshallingError(err))
}

func TestUnmarshal_ReadOnlyInstanceRejectsMutation(t *testing.T) {
	def := waitingDef()
	pi := startedInstance(t, def)
	m := NewMarshaller(log.NewTestLogger(), nil)

	data, err := m.MarshalProcessInstance(pi)
	require.NoError(t, err)

	restored, err := m.UnmarshalProcessInstance(data, def, true, noopExecutor{}, nil)
	require.NoError(t, err)

	assert.True(t, restored.ReadOnly())
	assert.ErrorIs(t, restored.SignalEvent(context.Background(), "Message-orders", nil), instance.ErrReadOnly)
	assert.ErrorIs(t, restored.Abort(context.Background()), instance.ErrReadOnly)
}

func TestUnmarshal_RestoresOutstandingWorkItems(t *testing.T) {
	def := waitingDef()
	pi := startedInstance(t, def)

	source := &fakeSource{items: []*models.WorkItem{
		{ID: "wi-1", Name: "shipping", ProcessInstanceID: pi.ID(), State: models.WorkItemStateActive},
	}}
	m := NewMarshaller(log.NewTestLogger(), source)

	data, err := m.MarshalProcessInstance(pi)
	require.NoError(t, err)

	restorer := &fakeRestorer{}
	_, err = m.UnmarshalProcessInstance(data, def, false, noopExecutor{}, restorer)
	require.NoError(t, err)

	require.Len(t, restorer.restored, 1)
	assert.Equal(t, "wi-1", restorer.restored[0].ID)

	// Read-only rehydration must not touch the live work-item table.
	restorer = &fakeRestorer{}
	_, err = m.UnmarshalProcessInstance(data, def, true, noopExecutor{}, restorer)
	require.NoError(t, err)
	assert.Empty(t, restorer.restored)
}

func TestReloadProcessInstance_RefreshesInPlace(t *testing.T) {
	def := waitingDef()
	pi := startedInstance(t, def)
	m := NewMarshaller(log.NewTestLogger(), nil)

	data, err := m.MarshalProcessInstance(pi)
	require.NoError(t, err)

	// The retained object drifts while another worker advances the
	// persisted state.
	stale, err := m.UnmarshalProcessInstance(data, def, false, noopExecutor{}, nil)
	require.NoError(t, err)

	require.NoError(t, pi.SignalEvent(context.Background(), "Message-orders", map[string]any{"qty": 2.0}))

	latest, err := m.MarshalProcessInstance(pi)
	require.NoError(t, err)

	require.NoError(t, m.ReloadProcessInstance(latest, stale))
	assert.Equal(t, 2.0, stale.Variables()["qty"])
	assert.Equal(t, pi.Status(), stale.Status())
}

func TestReloadProcessInstance_WrongInstanceFails(t *testing.T) {
	def := waitingDef()
	pi := startedInstance(t, def)
	m := NewMarshaller(log.NewTestLogger(), nil)

	data, err := m.MarshalProcessInstance(pi)
	require.NoError(t, err)

	other := instance.New("pi-2", def, nil, noopExecutor{}, log.NewTestLogger())
	err = m.ReloadProcessInstance(data, other)
	assert.True(t, IsMarshallingError(err))
}

type bytesStrategy struct{}

func (bytesStrategy) Name() string  { return "bytes" }
func (bytesStrategy) Priority() int { return 10 }

func (bytesStrategy) Accepts(value any) bool {
	_, ok := value.([]byte)

	return ok
}

func (bytesStrategy) Marshal(value any) ([]byte, error) {
	return value.([]byte), nil
}

func (bytesStrategy) Unmarshal(data []byte) (any, error) {
	return data, nil
}

func TestCustomStrategy_WinsByPriority(t *testing.T) {
	def := waitingDef()
	pi := instance.New("pi-raw", def, map[string]any{
		"payload": []byte{0x01, 0x02, 0x03},
		"label":   "plain",
	}, noopExecutor{}, log.NewTestLogger())
	require.NoError(t, pi.Start(context.Background(), ""))

	m := NewMarshaller(log.NewTestLogger(), nil, bytesStrategy{})

	data, err := m.MarshalProcessInstance(pi)
	require.NoError(t, err)

	restored, err := m.UnmarshalProcessInstance(data, def, false, noopExecutor{}, nil)
	require.NoError(t, err)

	assert.Equal(t, []byte{0x01, 0x02, 0x03}, restored.Variables()["payload"])
	assert.Equal(t, "plain", restored.Variables()["label"])
}

func TestMarshal_UnencodableValueFails(t *testing.T) {
	def := waitingDef()
	pi := instance.New("pi-bad", def, map[string]any{
		"ch": make(chan int),
	}, noopExecutor{}, log.NewTestLogger())

	m := NewMarshaller(log.NewTestLogger(), nil)

	_, err := m.MarshalProcessInstance(pi)
	require.Error(t, err)
	assert.True(t, IsMarshallingError(err))
}

func TestReadEnvelope_Garbage(t *testing.T) {
	m := NewMarshaller(log.NewTestLogger(), nil)

	_, err := m.UnmarshalProcessInstance([]byte("not a snapshot"), waitingDef(), false, noopExecutor{}, nil)
	assert.True(t, IsMarshallingError(err))
}
