package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/dukex/psaflow/pkg/engine"
	"github.com/dukex/psaflow/pkg/models"
	"github.com/dukex/psaflow/pkg/persistence"
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

// handleDispatchError maps engine errors to problem responses.
func handleDispatchError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, models.ErrInvalidEvent):
		return badRequest(c, err.Error())

	case errors.Is(err, engine.ErrLoadDefinitions):
		problem := problems.NewStatusProblem(503).
			WithInstance(c.Path()).
			WithType("definitions_unavailable").
			WithDetail("workflow definitions could not be loaded")

		return c.Status(fiber.StatusServiceUnavailable).JSON(problem)

	case errors.Is(err, engine.ErrPersistExecution):
		problem := problems.NewStatusProblem(500).
			WithInstance(c.Path()).
			WithType("execution_not_persisted").
			WithDetail(err.Error())

		return c.Status(fiber.StatusInternalServerError).JSON(problem)

	case persistence.IsWorkflowNotFound(err):
		return notFound(c, "Workflow not found")

	default:
		return internalError(c, err)
	}
}
