package cmd

import (
	"log/slog"

	"github.com/dukex/psaflow/pkg/actions"
	"github.com/dukex/psaflow/pkg/actions/command"
	logaction "github.com/dukex/psaflow/pkg/actions/log"
	"github.com/dukex/psaflow/pkg/actions/webhook"
	"github.com/dukex/psaflow/pkg/eventbus"
)

// NewRegistry returns a registry with every built-in action handler. Command
// actions publish their requests on publisher; nil only logs them.
func NewRegistry(log *slog.Logger, publisher eventbus.EventPublisher) (*actions.Registry, error) {
	registry := actions.NewRegistry(log)

	err := registry.Register(logaction.New(log))
	if err != nil {
		return nil, err
	}

	err = registry.Register(webhook.New(log))
	if err != nil {
		return nil, err
	}

	err = command.Register(registry, publisher, log)
	if err != nil {
		return nil, err
	}

	return registry, nil
}
