package workitem

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/procflow/procflow/pkg/models"
)

// Manager tracks outstanding work items and routes execute, abort, retry and
// complete operations to registered handlers. The item table is safe for
// concurrent use; completion signals are delivered through the configured
// CompletionSink and are not atomic with item removal.
type Manager struct {
	logger      *slog.Logger
	completions CompletionSink

	mu       sync.RWMutex
	handlers map[string]Handler
	items    map[string]*models.WorkItem

	disposeOnce sync.Once
}

func NewManager(logger *slog.Logger, completions CompletionSink) *Manager {
	return &Manager{
		logger:      logger.With("module", "workitem_manager"),
		completions: completions,
		handlers:    make(map[string]Handler),
		items:       make(map[string]*models.WorkItem),
	}
}

// RegisterHandler associates a work-item name with exactly one handler.
// Last registration wins.
func (m *Manager) RegisterHandler(name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.handlers[name]; exists {
		m.logger.Warn("Replacing work item handler", "name", name)
	}

	m.handlers[name] = handler
}

// ExecuteWorkItem assigns a fresh id, tracks the work item and invokes the
// handler registered under its name. A missing handler is terminal for the
// triggering node. Handler errors propagate; the item stays tracked so it
// can be retried after external remediation.
func (m *Manager) ExecuteWorkItem(ctx context.Context, wi *models.WorkItem) error {
	wi.ID = uuid.New().String()
	wi.State = models.WorkItemStateActive
	wi.StartedAt = time.Now().UTC()

	m.mu.Lock()
	handler, ok := m.handlers[wi.Name]
	if !ok {
		m.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrHandlerNotFound, wi.Name)
	}

	m.items[wi.ID] = wi
	m.mu.Unlock()

	m.logger.Debug("Executing work item",
		"work_item_id", wi.ID, "name", wi.Name, "process_instance_id", wi.ProcessInstanceID)

	if err := handler.ExecuteWorkItem(ctx, wi, m); err != nil {
		return &HandlerError{Op: "execute", WorkItemID: wi.ID, Name: wi.Name, Err: err}
	}

	return nil
}

// CompleteWorkItem merges results into a tracked work item, removes it and
// delivers the workItemCompleted signal to the owning instance. Completing
// an id that is no longer tracked is a no-op, not an error.
func (m *Manager) CompleteWorkItem(ctx context.Context, id string, results map[string]any) error {
	wi, ok := m.remove(id)
	if !ok {
		m.logger.Debug("Completion for untracked work item dropped", "work_item_id", id)

		return nil
	}

	if wi.Results == nil {
		wi.Results = make(map[string]any, len(results))
	}

	for k, v := range results {
		wi.Results[k] = v
	}

	wi.State = models.WorkItemStateCompleted
	now := time.Now().UTC()
	wi.CompletedAt = &now

	return m.completions.DeliverCompletion(ctx, models.SignalWorkItemCompleted, wi)
}

// AbortWorkItem removes a tracked work item and delivers the
// workItemAborted signal to the owning instance. Unknown ids are a no-op.
func (m *Manager) AbortWorkItem(ctx context.Context, id string) error {
	wi, ok := m.remove(id)
	if !ok {
		return nil
	}

	wi.State = models.WorkItemStateAborted

	return m.completions.DeliverCompletion(ctx, models.SignalWorkItemAborted, wi)
}

// InternalAbortWorkItem is the engine-initiated abort used when an instance
// aborts with work outstanding: the handler is told to abort and the item is
// dropped without signalling back. Handler errors propagate so the caller
// can surface them; the item is removed regardless.
func (m *Manager) InternalAbortWorkItem(ctx context.Context, id string) error {
	m.mu.Lock()
	wi, ok := m.items[id]
	if ok {
		delete(m.items, id)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	wi.State = models.WorkItemStateAborted

	m.mu.RLock()
	handler := m.handlers[wi.Name]
	m.mu.RUnlock()

	if handler == nil {
		return nil
	}

	if err := handler.AbortWorkItem(ctx, wi, m); err != nil {
		return &HandlerError{Op: "abort", WorkItemID: wi.ID, Name: wi.Name, Err: err}
	}

	return nil
}

// RetryWorkItem re-invokes the handler for a tracked work item, keeping its
// id. Non-nil params replace the existing parameters first.
func (m *Manager) RetryWorkItem(ctx context.Context, id string, params map[string]any) error {
	m.mu.Lock()
	wi, ok := m.items[id]
	if !ok {
		m.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrWorkItemNotFound, id)
	}

	if params != nil {
		wi.Parameters = params
	}

	handler, hok := m.handlers[wi.Name]
	m.mu.Unlock()

	if !hok {
		return fmt.Errorf("%w: %s", ErrHandlerNotFound, wi.Name)
	}

	m.logger.Info("Retrying work item", "work_item_id", id, "name", wi.Name)

	if err := handler.ExecuteWorkItem(ctx, wi, m); err != nil {
		return &HandlerError{Op: "retry", WorkItemID: wi.ID, Name: wi.Name, Err: err}
	}

	return nil
}

// RestoreWorkItem re-tracks a work item restored from a snapshot without
// invoking its handler: the external work is already in flight.
func (m *Manager) RestoreWorkItem(wi *models.WorkItem) {
	if wi.ID == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.items[wi.ID] = wi
}

// WorkItem returns the tracked work item with the given id.
func (m *Manager) WorkItem(id string) (*models.WorkItem, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wi, ok := m.items[id]

	return wi, ok
}

// WorkItemsForInstance returns the outstanding work items owned by a process
// instance.
func (m *Manager) WorkItemsForInstance(instanceID string) []*models.WorkItem {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var items []*models.WorkItem

	for _, wi := range m.items {
		if wi.ProcessInstanceID == instanceID {
			items = append(items, wi)
		}
	}

	return items
}

// Dispose closes every registered handler implementing Closeable. It runs
// exactly once; close failures are logged, not propagated.
func (m *Manager) Dispose() {
	m.disposeOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		for name, handler := range m.handlers {
			closeable, ok := handler.(Closeable)
			if !ok {
				continue
			}

			if err := closeable.Close(); err != nil {
				m.logger.Error("Failed to close work item handler", "name", name, "error", err)
			}
		}
	})
}

func (m *Manager) remove(id string) (*models.WorkItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wi, ok := m.items[id]
	if ok {
		delete(m.items, id)
	}

	return wi, ok
}
