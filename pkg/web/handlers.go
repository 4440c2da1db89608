package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"github.com/dukex/psaflow/pkg/actions"
	"github.com/dukex/psaflow/pkg/models"
	"github.com/dukex/psaflow/pkg/persistence"
)

// Dispatcher runs the workflows triggered by an event.
type Dispatcher interface {
	Dispatch(ctx context.Context, event models.Event) ([]*models.ExecutionRecord, error)
}

type APIHandlers struct {
	dispatcher Dispatcher
	store      persistence.Persistence
	validator  *validator.Validate
	registry   *actions.Registry
}

func NewAPIHandlers(
	dispatcher Dispatcher,
	store persistence.Persistence,
	validator *validator.Validate,
	registry *actions.Registry,
) *APIHandlers {
	return &APIHandlers{
		dispatcher: dispatcher,
		store:      store,
		validator:  validator,
		registry:   registry,
	}
}

// PostEvent dispatches one domain event and returns the resulting execution records.
func (h *APIHandlers) PostEvent(c fiber.Ctx) error {
	var req EventRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if models.EventType(req.Type) == models.EventSchedule {
		return badRequest(c, "SCHEDULE events are emitted by the scheduler only")
	}

	return h.dispatch(c, req.Event())
}

// PostWebhook turns an inbound call on /hooks/<path> into a WEBHOOK event.
// Non-object bodies are wrapped as {"data": body}.
func (h *APIHandlers) PostWebhook(c fiber.Ctx) error {
	payload, err := webhookPayload(c.Body())
	if err != nil {
		return badRequest(c, "Invalid JSON body")
	}

	event := models.Event{
		Type:     models.EventWebhook,
		EntityID: c.Get("X-Entity-Id"),
		ActorID:  c.Get("X-Actor-Id"),
		Payload:  payload,
		Path:     models.NormalizeWebhookPath(c.Params("*")),
		Method:   c.Method(),
	}

	return h.dispatch(c, event)
}

func webhookPayload(body []byte) (map[string]any, error) {
	if len(body) == 0 {
		return map[string]any{}, nil
	}

	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		return nil, err
	}

	if object, ok := value.(map[string]any); ok {
		return object, nil
	}

	return map[string]any{"data": value}, nil
}

func (h *APIHandlers) dispatch(c fiber.Ctx, event models.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	records, err := h.dispatcher.Dispatch(c.Context(), event)
	if err != nil {
		return handleDispatchError(c, err)
	}

	status := fiber.StatusOK
	if len(records) > 0 {
		status = fiber.StatusAccepted
	}

	return c.Status(status).JSON(DispatchResponse{
		EventID:    event.ID,
		Count:      len(records),
		Executions: records,
	})
}

// GetWorkflows lists the stored definitions, optionally filtered by ?enabled=.
func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	var enabled *bool

	if raw := c.Query("enabled"); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return badRequest(c, "Invalid query parameters: enabled must be a boolean")
		}

		enabled = &value
	}

	workflows, err := h.store.Workflows(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	summaries := make([]WorkflowSummary, 0, len(workflows))

	for _, workflow := range workflows {
		if enabled != nil && workflow.Enabled != *enabled {
			continue
		}

		summaries = append(summaries, summarize(workflow))
	}

	return c.JSON(fiber.Map{
		"workflows":   summaries,
		"total_count": len(summaries),
	})
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	workflow, err := h.store.WorkflowByID(c.Context(), id)
	if err != nil {
		if persistence.IsWorkflowNotFound(err) {
			return notFound(c, "Workflow not found")
		}

		return internalError(c, err)
	}

	return c.JSON(workflow)
}

// SaveWorkflow creates or replaces a definition after checking its actions
// against the registry.
func (h *APIHandlers) SaveWorkflow(c fiber.Ctx) error {
	var workflow models.WorkflowDefinition
	if err := c.Bind().JSON(&workflow); err != nil {
		return badRequest(c, "Invalid request body")
	}

	if id := c.Params("id"); id != "" {
		workflow.ID = id
	}

	if workflow.ID == "" {
		workflow.ID = uuid.NewString()
	}

	if err := workflow.Validate(); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.registry.CheckDefinition(&workflow); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.store.SaveWorkflow(c.Context(), &workflow); err != nil {
		if errors.Is(err, models.ErrInvalidWorkflow) || errors.Is(err, persistence.ErrInvalidID) {
			return badRequest(c, err.Error())
		}

		return internalError(c, err)
	}

	status := fiber.StatusOK
	if workflow.Version == 1 {
		status = fiber.StatusCreated
	}

	return c.Status(status).JSON(workflow)
}

func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	err := h.store.DeleteWorkflow(c.Context(), id)
	if err != nil {
		if persistence.IsWorkflowNotFound(err) {
			return notFound(c, "Workflow not found")
		}

		return internalError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// GetWorkflowExecutions returns the execution history of a definition, newest first.
func (h *APIHandlers) GetWorkflowExecutions(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	limit := 50

	if raw := c.Query("limit"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			return badRequest(c, "Invalid query parameters: limit must be a non-negative integer")
		}

		limit = value
	}

	records, err := h.store.ExecutionsByWorkflow(c.Context(), id, limit)
	if err != nil {
		return internalError(c, err)
	}

	if records == nil {
		records = []*models.ExecutionRecord{}
	}

	return c.JSON(fiber.Map{
		"workflow_id": id,
		"executions":  records,
		"total_count": len(records),
	})
}

// GetActions lists the registered action types.
func (h *APIHandlers) GetActions(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"actions": h.registry.Types(),
	})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "psaflow is healthy"
	httpStatus := http.StatusOK
	repository := "ok"

	if err := h.store.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		message = "psaflow is unhealthy"
		httpStatus = http.StatusInternalServerError
		repository = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"registry":   strconv.Itoa(len(h.registry.Types())) + " action types",
			"repository": repository,
		},
		"timestamp": time.Now().UTC(),
	})
}
