// Package log_action implements the LOG action: one structured log line per run.
package log_action

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/psaflow/pkg/actions"
	"github.com/dukex/psaflow/pkg/log"
	"github.com/dukex/psaflow/pkg/models"
)

type Config struct {
	Message string         `json:"message"`
	Level   string         `json:"level,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

type Action struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Action {
	if logger == nil {
		logger = slog.Default()
	}

	return &Action{logger: logger.With("module", "log_action")}
}

func (*Action) Type() models.ActionType {
	return models.ActionLog
}

func (*Action) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{"type": "string", "minLength": 1},
			"level": map[string]any{
				"type": "string",
				"enum": []string{"debug", "info", "warn", "error", "DEBUG", "INFO", "WARN", "ERROR"},
			},
			"fields": map[string]any{"type": "object"},
		},
		"required": []string{"message"},
	}
}

func (a *Action) Execute(ctx context.Context, config map[string]any, actx *actions.ActionContext) (map[string]any, error) {
	var cfg Config
	if err := actions.DecodeConfig(config, &cfg); err != nil {
		return nil, err
	}

	level := log.ParseLevel(strings.ToLower(cfg.Level))

	attrs := []any{
		"workflow_id", actx.WorkflowID,
		"execution_id", actx.ExecutionID,
		"action_index", actx.ActionIndex,
		"event_type", actx.Event.Type,
		"entity_id", actx.Event.EntityID,
	}
	for key, value := range cfg.Fields {
		attrs = append(attrs, key, value)
	}

	a.logger.Log(ctx, level, cfg.Message, attrs...)

	return map[string]any{
		"message":  cfg.Message,
		"level":    strings.ToLower(level.String()),
		"loggedAt": time.Now().UTC().Format(time.RFC3339),
	}, nil
}
