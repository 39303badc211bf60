package natsserver

import (
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-persona/internal/config"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartDisabled(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: false}, slog.Default())
	require.NoError(t, err)
	assert.Nil(t, srv)
	assert.Empty(t, srv.ClientURL())
	srv.Shutdown()
}

func TestStartAcceptsClients(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := Start(config.BusConfig{Embedded: true, Port: -1}, logger)
	require.NoError(t, err)
	defer srv.Shutdown()

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()
	assert.Equal(t, nats.CONNECTED, nc.Status())
}
