// Package bus publishes persona journal events to NATS.
package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-persona/internal/config"
	"github.com/loqalabs/loqa-persona/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Client wraps a NATS connection with the persona subject layout:
// <prefix>.turn.<outcome> and <prefix>.voice.<action>.
type Client struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("loqa-persona"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "persona"
	}
	log = log.With(slog.String("component", "bus"))
	log.Info("connected to NATS", slog.String("servers", url), slog.String("prefix", prefix))
	return &Client{conn: conn, prefix: prefix, log: log}, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	_ = c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// TurnSubject is the subject a turn with the given outcome is published on.
func (c *Client) TurnSubject(outcome string) string {
	return c.prefix + "." + protocol.SubjectTurnPrefix + "." + token(outcome)
}

// VoiceSubject is the subject a voice change with the given action is
// published on.
func (c *Client) VoiceSubject(action string) string {
	return c.prefix + "." + protocol.SubjectVoicePrefix + "." + token(action)
}

// RecordTurn publishes a finished turn.
func (c *Client) RecordTurn(_ context.Context, ev protocol.TurnEvent) error {
	return c.publish(c.TurnSubject(ev.Outcome), ev)
}

// RecordVoice publishes a voice profile change.
func (c *Client) RecordVoice(_ context.Context, ev protocol.VoiceEvent) error {
	return c.publish(c.VoiceSubject(ev.Action), ev)
}

// Subscribe delivers every persona event to fn until ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context, fn func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(c.prefix+".>", func(msg *nats.Msg) {
		fn(msg.Subject, msg.Data)
	})
	if err != nil {
		return err
	}
	if err := c.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return err
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
	}()
	return nil
}

func (c *Client) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.conn.Publish(subject, data)
}

// token makes s safe to use as a single subject token.
func token(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}
