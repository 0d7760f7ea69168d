package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/procflow/procflow/pkg/instance"
	"github.com/procflow/procflow/pkg/persistence"
	"github.com/procflow/procflow/pkg/registry"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError provides typed error handling for engine errors.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case persistence.IsInstanceNotFound(err):
		problem := problems.NewStatusProblem(404).
			WithInstance(c.Path()).
			WithType("instance_not_found").
			WithDetail("process instance not found")

		return c.Status(fiber.StatusNotFound).JSON(problem)

	case errors.Is(err, registry.ErrProcessNotFound):
		problem := problems.NewStatusProblem(404).
			WithInstance(c.Path()).
			WithType("process_not_found").
			WithDetail("process not registered")

		return c.Status(fiber.StatusNotFound).JSON(problem)

	case instance.IsInvalidTransition(err):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("invalid_transition").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	case errors.Is(err, instance.ErrReadOnly):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("read_only").
			WithDetail("instance was loaded read-only")

		return c.Status(fiber.StatusConflict).JSON(problem)

	default:
		// Log unexpected errors but don't expose details
		problem := problems.NewStatusProblem(500).
			WithInstance(c.Path()).
			WithType("internal_error").
			WithError(err)

		return c.Status(fiber.StatusInternalServerError).JSON(problem)
	}
}
