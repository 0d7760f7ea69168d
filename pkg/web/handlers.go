// Package web provides HTTP handlers and REST API endpoints for process
// execution.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/procflow/procflow/pkg/dispatcher"
	"github.com/procflow/procflow/pkg/instance"
	"github.com/procflow/procflow/pkg/registry"
	"github.com/procflow/procflow/pkg/service"
)

type APIHandlers struct {
	processService *service.ProcessService
	registry       *registry.Registry
	validator      *validator.Validate
	dispatchers    map[string]*dispatcher.Dispatcher
}

func NewAPIHandlers(
	processService *service.ProcessService,
	reg *registry.Registry,
	validate *validator.Validate,
	dispatchers map[string]*dispatcher.Dispatcher,
) *APIHandlers {
	return &APIHandlers{
		processService: processService,
		registry:       reg,
		validator:      validate,
		dispatchers:    dispatchers,
	}
}

// RegisterRoutes mounts the API onto the fiber app.
func (h *APIHandlers) RegisterRoutes(app *fiber.App) {
	app.Get("/health", h.HealthCheck)

	app.Get("/processes", h.GetProcesses)
	app.Post("/processes/:id/instances", h.CreateInstance)

	app.Get("/instances", h.GetInstances)
	app.Get("/instances/:id", h.GetInstance)
	app.Post("/instances/:id/signal", h.SignalInstance)
	app.Post("/instances/:id/abort", h.AbortInstance)
	app.Post("/instances/:id/suspend", h.SuspendInstance)
	app.Post("/instances/:id/resume", h.ResumeInstance)
	app.Post("/instances/:id/retrigger", h.RetriggerInstance)
	app.Post("/instances/:id/skip", h.SkipFailedNode)

	app.Post("/workitems/:id/complete", h.CompleteWorkItem)
	app.Post("/workitems/:id/abort", h.AbortWorkItem)

	app.Post("/events/:topic", h.DispatchEvent)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, repOk := h.processService.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Procflow API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if repOk {
		status = "healthy"
		message = "Procflow API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetProcesses(c fiber.Ctx) error {
	return c.JSON(h.registry.Processes())
}

func (h *APIHandlers) CreateInstance(c fiber.Ctx) error {
	processID := c.Params("id")
	if processID == "" {
		return badRequest(c, "Process ID is required")
	}

	var req CreateInstanceRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	inst, err := h.processService.CreateInstance(c.Context(), processID, req.Variables, req.Trigger, req.CorrelationID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(TransformInstanceResponse(inst))
}

func (h *APIHandlers) GetInstances(c fiber.Ctx) error {
	snapshots, err := h.processService.ListInstances(c.Context(), c.Query("process_id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	summaries := make([]InstanceSummary, 0, len(snapshots))
	for _, snap := range snapshots {
		summaries = append(summaries, InstanceSummary{
			ID:        snap.InstanceID,
			ProcessID: snap.ProcessID,
			Status:    snap.Status,
		})
	}

	return c.JSON(fiber.Map{
		"instances":   summaries,
		"total_count": len(summaries),
	})
}

func (h *APIHandlers) GetInstance(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	inst, err := h.processService.InstanceByID(c.Context(), id, true)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(TransformInstanceResponse(inst))
}

func (h *APIHandlers) SignalInstance(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	var req SignalRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	inst, err := h.processService.SignalInstance(c.Context(), id, req.Signal, req.Payload)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(TransformInstanceResponse(inst))
}

func (h *APIHandlers) AbortInstance(c fiber.Ctx) error {
	return h.lifecycle(c, h.processService.AbortInstance)
}

func (h *APIHandlers) SuspendInstance(c fiber.Ctx) error {
	return h.lifecycle(c, h.processService.SuspendInstance)
}

func (h *APIHandlers) ResumeInstance(c fiber.Ctx) error {
	return h.lifecycle(c, h.processService.ResumeInstance)
}

func (h *APIHandlers) RetriggerInstance(c fiber.Ctx) error {
	return h.lifecycle(c, h.processService.RetriggerInstance)
}

func (h *APIHandlers) SkipFailedNode(c fiber.Ctx) error {
	return h.lifecycle(c, h.processService.SkipFailedNode)
}

func (h *APIHandlers) lifecycle(c fiber.Ctx, op func(ctx context.Context, instanceID string) (*instance.ProcessInstance, error)) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Instance ID is required")
	}

	inst, err := op(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(TransformInstanceResponse(inst))
}

func (h *APIHandlers) CompleteWorkItem(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Work item ID is required")
	}

	var req CompleteWorkItemRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	err := h.processService.CompleteWorkItem(c.Context(), id, req.Results)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) AbortWorkItem(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Work item ID is required")
	}

	err := h.processService.AbortWorkItem(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// DispatchEvent feeds a raw payload through the event dispatcher configured
// for the topic. A routing miss responds 204 without a body.
func (h *APIHandlers) DispatchEvent(c fiber.Ctx) error {
	topic := c.Params("topic")

	d, ok := h.dispatchers[topic]
	if !ok {
		return notFound(c, "No process listens on this topic")
	}

	inst, err := d.Dispatch(c.Context(), topic, c.Body()).Result()
	if err != nil {
		return handleServiceError(c, err)
	}

	if inst == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}

	return c.Status(fiber.StatusAccepted).JSON(TransformInstanceResponse(inst))
}
