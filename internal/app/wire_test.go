package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/gridclear/internal/config"
	"github.com/alanyoungcy/gridclear/internal/ledger/sim"
)

func TestWireDevMode(t *testing.T) {
	cfg := config.Defaults()
	cfg.Mode = "dev"
	cfg.Outbox.Enabled = true
	cfg.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Notify.DiscordWebhookURL = "http://localhost/hook"

	deps, cleanup, err := Wire(context.Background(), &cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(cleanup)

	assert.NotNil(t, deps.Stores.Orders)
	assert.IsType(t, &sim.Ledger{}, deps.Ledger)
	assert.Nil(t, deps.LockManager, "dev mode runs without redis")
	assert.Nil(t, deps.Archiver)
	require.NotNil(t, deps.Outbox)

	var names []string
	for _, s := range deps.Sinks() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"audit", "outbox", "notify"}, names)
}
