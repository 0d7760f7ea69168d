package workitem

import (
	"context"

	"github.com/procflow/procflow/pkg/models"
)

// Handler executes one kind of external work (a service call, a human task,
// a send/receive). Handlers call back into the manager to complete or abort
// the work item, and must never block indefinitely without an abort path.
type Handler interface {
	ExecuteWorkItem(ctx context.Context, wi *models.WorkItem, manager *Manager) error
	AbortWorkItem(ctx context.Context, wi *models.WorkItem, manager *Manager) error
}

// Closeable is implemented by handlers that hold resources needing cleanup
// at manager shutdown.
type Closeable interface {
	Close() error
}

// CompletionSink routes work-item completion signals to the owning process
// instance. Implementations decide what happens when the instance no longer
// exists; the manager treats that as a silent skip either way.
type CompletionSink interface {
	DeliverCompletion(ctx context.Context, signal string, wi *models.WorkItem) error
}
