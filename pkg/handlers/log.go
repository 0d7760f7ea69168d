package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/procflow/procflow/pkg/models"
	"github.com/procflow/procflow/pkg/template"
	"github.com/procflow/procflow/pkg/workitem"
)

// LogHandler emits the work item's message parameter through the structured
// logger and completes immediately. Useful for audit points in a process.
type LogHandler struct {
	logger *slog.Logger
}

func NewLogHandler(logger *slog.Logger) *LogHandler {
	return &LogHandler{logger: logger.With("module", "log_handler")}
}

func (h *LogHandler) ExecuteWorkItem(ctx context.Context, wi *models.WorkItem, manager *workitem.Manager) error {
	message, _ := wi.Parameters["message"].(string)
	if message != "" {
		rendered, err := template.RenderWorkItem(message, wi)
		if err != nil {
			return fmt.Errorf("failed to render message template: %w", err)
		}

		message = fmt.Sprintf("%v", rendered)
	}

	h.logger.InfoContext(ctx, "Process log work item",
		"process_instance_id", wi.ProcessInstanceID, "message", message)

	return manager.CompleteWorkItem(ctx, wi.ID, map[string]any{"message": message})
}

func (h *LogHandler) AbortWorkItem(_ context.Context, _ *models.WorkItem, _ *workitem.Manager) error {
	return nil
}
