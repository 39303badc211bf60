package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-persona/internal/config"
	"github.com/loqalabs/loqa-persona/internal/natsserver"
	"github.com/loqalabs/loqa-persona/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startBus(t *testing.T) *Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
		SubjectPrefix:  "watts",
	}, newLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestConnectRequiresServers(t *testing.T) {
	_, err := Connect(context.Background(), config.BusConfig{}, newLogger())
	assert.Error(t, err)
}

func TestSubjects(t *testing.T) {
	c := &Client{prefix: "persona"}
	assert.Equal(t, "persona.turn.delivered", c.TurnSubject(protocol.OutcomeDelivered))
	assert.Equal(t, "persona.voice.param_set", c.VoiceSubject(protocol.VoiceParamSet))
	assert.Equal(t, "persona.turn.unknown", c.TurnSubject(""))
	assert.Equal(t, "persona.voice.a_b", c.VoiceSubject("a.b"))
}

func TestPublishesJournalEvents(t *testing.T) {
	client := startBus(t)
	assert.True(t, client.Healthy())

	type received struct {
		subject string
		data    []byte
	}
	var (
		mu  sync.Mutex
		got []received
	)
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, client.Subscribe(ctx, func(subject string, data []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, received{subject: subject, data: data})
		if len(got) == 2 {
			close(done)
		}
	}))

	turn := protocol.TurnEvent{TurnID: "t-1", UserID: "42", Outcome: protocol.OutcomeDelivered, ReplyText: "hello"}
	require.NoError(t, client.RecordTurn(context.Background(), turn))
	require.NoError(t, client.RecordVoice(context.Background(), protocol.VoiceEvent{UserID: "42", Action: protocol.VoiceReset}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "watts.turn.delivered", got[0].subject)
	assert.Equal(t, "watts.voice.reset", got[1].subject)

	var decoded protocol.TurnEvent
	require.NoError(t, json.Unmarshal(got[0].data, &decoded))
	assert.Equal(t, "t-1", decoded.TurnID)
	assert.Equal(t, "hello", decoded.ReplyText)
}
