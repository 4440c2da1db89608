package cmd_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/psaflow/pkg/cmd"
	"github.com/dukex/psaflow/pkg/models"
	"github.com/dukex/psaflow/pkg/persistence"
	"github.com/dukex/psaflow/pkg/persistence/file"
)

func TestNewPersistence(t *testing.T) {
	t.Parallel()

	store, err := cmd.NewPersistence(context.Background(), nil, "file://"+t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &file.Persistence{}, store)
	assert.NoError(t, store.HealthCheck(context.Background()))

	for _, url := range []string{"mysql://localhost/db", "/var/lib/psaflow", ""} {
		_, err = cmd.NewPersistence(context.Background(), nil, url)
		assert.ErrorIs(t, err, persistence.ErrUnsupportedURL, url)
	}
}

func TestNewEventBus(t *testing.T) {
	t.Parallel()

	bus, err := cmd.NewEventBus("gochannel", "", nil)
	require.NoError(t, err)
	assert.NoError(t, bus.Close())

	_, err = cmd.NewEventBus("kafka", " , ", nil)
	assert.Error(t, err)

	_, err = cmd.NewEventBus("rabbitmq", "", nil)
	assert.ErrorIs(t, err, cmd.ErrUnsupportedEventBus)
}

func TestNewRegistry(t *testing.T) {
	t.Parallel()

	registry, err := cmd.NewRegistry(nil, nil)
	require.NoError(t, err)

	types := registry.Types()
	for _, actionType := range []models.ActionType{
		models.ActionLog,
		models.ActionCallWebhook,
		models.ActionSendEmail,
		models.ActionSendNotification,
		models.ActionCreateTask,
		models.ActionUpdateEntity,
		models.ActionUpdateStatus,
		models.ActionAssignUser,
		models.ActionCreateInvoice,
	} {
		assert.Contains(t, types, actionType)
	}
}
