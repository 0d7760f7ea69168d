package marshaller

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/goccy/go-json"

	"github.com/procflow/procflow/pkg/instance"
	"github.com/procflow/procflow/pkg/models"
)

// WorkItemSource exposes the outstanding work items of an instance so they
// can be captured in the snapshot.
type WorkItemSource interface {
	WorkItemsForInstance(instanceID string) []*models.WorkItem
}

// WorkItemRestorer re-tracks outstanding work items when a snapshot is
// rehydrated into a live runtime.
type WorkItemRestorer interface {
	RestoreWorkItem(wi *models.WorkItem)
}

type snapshotHeader struct {
	InstanceID     string               `json:"instance_id"`
	ProcessID      string               `json:"process_id"`
	ProcessVersion string               `json:"process_version"`
	Status         models.InstanceStatus `json:"status"`
	CorrelationID  string               `json:"correlation_id,omitempty"`
	Error          *models.ProcessError `json:"error,omitempty"`
}

type snapshotVariable struct {
	Name     string `json:"name"`
	Strategy string `json:"strategy"`
	Data     []byte `json:"data"`
}

// Marshaller converts live process instances to and from the snapshot
// envelope. It is safe for concurrent use; each call builds its own scoped
// Context.
type Marshaller struct {
	logger     *slog.Logger
	strategies []ObjectMarshallerStrategy
	source     WorkItemSource
}

// NewMarshaller builds a marshaller with the given custom strategies plus
// the built-in JSON fallback, ordered by priority. source may be nil when
// outstanding work items need not be captured.
func NewMarshaller(logger *slog.Logger, source WorkItemSource, strategies ...ObjectMarshallerStrategy) *Marshaller {
	all := append([]ObjectMarshallerStrategy{jsonStrategy{}}, strategies...)

	return &Marshaller{
		logger:     logger.With("module", "marshaller"),
		strategies: sortStrategies(all),
		source:     source,
	}
}

// MarshalProcessInstance serializes a process instance snapshot. The
// instance is not mutated and the result is deterministic for a given
// snapshot.
func (m *Marshaller) MarshalProcessInstance(pi *instance.ProcessInstance) ([]byte, error) {
	mctx := newWriterContext(pi.Definition(), m.strategies)

	header, err := json.Marshal(snapshotHeader{
		InstanceID:     pi.ID(),
		ProcessID:      pi.ProcessID(),
		ProcessVersion: pi.Definition().Version,
		Status:         pi.Status(),
		CorrelationID:  pi.CorrelationID(),
		Error:          pi.ProcessError(),
	})
	if err != nil {
		return nil, wrap("marshal header", err)
	}

	vars, err := m.marshalVariables(mctx, pi.Variables())
	if err != nil {
		return nil, err
	}

	nodes := pi.NodeInstances()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	nodesPayload, err := json.Marshal(nodes)
	if err != nil {
		return nil, wrap("marshal node instances", err)
	}

	w := newEnvelopeWriter()
	w.section(sectionHeader, header)
	w.section(sectionVariables, vars)
	w.section(sectionNodes, nodesPayload)

	if m.source != nil {
		items := m.source.WorkItemsForInstance(pi.ID())
		sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

		itemsPayload, err := json.Marshal(items)
		if err != nil {
			return nil, wrap("marshal work items", err)
		}

		w.section(sectionWorkItems, itemsPayload)
	}

	return w.bytes(), nil
}

// UnmarshalProcessInstance reconstructs an instance from snapshot bytes,
// rebinding its node instances to the supplied definition. The definition
// may differ from the one that produced the bytes as long as node ids are
// stable. With readOnly set, the returned instance fails fast on any
// mutating operation.
func (m *Marshaller) UnmarshalProcessInstance(
	data []byte,
	def *models.ProcessDefinition,
	readOnly bool,
	executor instance.WorkItemExecutor,
	restorer WorkItemRestorer,
) (*instance.ProcessInstance, error) {
	mctx := newReaderContext(def, readOnly, m.strategies)

	header, vars, nodes, items, err := m.decode(mctx, data, def)
	if err != nil {
		return nil, err
	}

	pi := instance.Rehydrate(
		header.InstanceID, def, header.Status, vars, header.Error,
		header.CorrelationID, nodes, readOnly, executor, m.logger,
	)

	if restorer != nil && !readOnly {
		for _, wi := range items {
			restorer.RestoreWorkItem(wi)
		}
	}

	return pi, nil
}

// ReloadProcessInstance refreshes a live instance in place from its latest
// persisted snapshot, picking up changes applied since it was loaded. The
// snapshot must belong to the same instance.
func (m *Marshaller) ReloadProcessInstance(data []byte, existing *instance.ProcessInstance) error {
	mctx := newReaderContext(existing.Definition(), existing.ReadOnly(), m.strategies)

	header, vars, nodes, _, err := m.decode(mctx, data, existing.Definition())
	if err != nil {
		return err
	}

	if header.InstanceID != existing.ID() {
		return wrap("reload", fmt.Errorf("snapshot belongs to instance %s, not %s", header.InstanceID, existing.ID()))
	}

	existing.Restore(header.Status, vars, header.Error, nodes)

	return nil
}

func (m *Marshaller) decode(
	mctx *Context,
	data []byte,
	def *models.ProcessDefinition,
) (*snapshotHeader, map[string]any, []*instance.NodeInstance, []*models.WorkItem, error) {
	sections, _, err := readEnvelope(data)
	if err != nil {
		return nil, nil, nil, nil, wrap("read envelope", err)
	}

	headerPayload, ok := sections[sectionHeader]
	if !ok {
		return nil, nil, nil, nil, wrap("read envelope", fmt.Errorf("missing header section"))
	}

	var header snapshotHeader
	if err := json.Unmarshal(headerPayload, &header); err != nil {
		return nil, nil, nil, nil, wrap("unmarshal header", err)
	}

	if header.ProcessID != def.ID {
		return nil, nil, nil, nil, wrap("rebind", fmt.Errorf(
			"snapshot of process %q cannot rebind to definition %q", header.ProcessID, def.ID))
	}

	vars, err := m.unmarshalVariables(mctx, sections[sectionVariables])
	if err != nil {
		return nil, nil, nil, nil, err
	}

	var nodes []*instance.NodeInstance
	if payload, ok := sections[sectionNodes]; ok {
		if err := json.Unmarshal(payload, &nodes); err != nil {
			return nil, nil, nil, nil, wrap("unmarshal node instances", err)
		}
	}

	// Migration contract: every node instance must rebind to a node of the
	// supplied definition by its stable node id.
	for _, ni := range nodes {
		if def.NodeByID(ni.NodeID) == nil {
			return nil, nil, nil, nil, wrap("rebind", fmt.Errorf(
				"node %q of the snapshot does not exist in definition %s@%s", ni.NodeID, def.ID, def.Version))
		}
	}

	var items []*models.WorkItem
	if payload, ok := sections[sectionWorkItems]; ok {
		if err := json.Unmarshal(payload, &items); err != nil {
			return nil, nil, nil, nil, wrap("unmarshal work items", err)
		}
	}

	return &header, vars, nodes, items, nil
}

func (m *Marshaller) marshalVariables(mctx *Context, vars map[string]any) ([]byte, error) {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}

	sort.Strings(names)

	records := make([]snapshotVariable, 0, len(names))

	for _, name := range names {
		strategy, err := selectStrategy(mctx.strategies, vars[name])
		if err != nil {
			return nil, wrap("marshal variable "+name, err)
		}

		data, err := strategy.Marshal(vars[name])
		if err != nil {
			return nil, wrap("marshal variable "+name, err)
		}

		records = append(records, snapshotVariable{Name: name, Strategy: strategy.Name(), Data: data})
	}

	payload, err := json.Marshal(records)
	if err != nil {
		return nil, wrap("marshal variables", err)
	}

	return payload, nil
}

func (m *Marshaller) unmarshalVariables(mctx *Context, payload []byte) (map[string]any, error) {
	vars := make(map[string]any)

	if len(payload) == 0 {
		return vars, nil
	}

	var records []snapshotVariable
	if err := json.Unmarshal(payload, &records); err != nil {
		return nil, wrap("unmarshal variables", err)
	}

	for _, rec := range records {
		strategy, err := strategyByName(mctx.strategies, rec.Strategy)
		if err != nil {
			return nil, wrap("unmarshal variable "+rec.Name, err)
		}

		value, err := strategy.Unmarshal(rec.Data)
		if err != nil {
			return nil, wrap("unmarshal variable "+rec.Name, err)
		}

		vars[rec.Name] = value
	}

	return vars, nil
}
