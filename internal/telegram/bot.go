// Package telegram connects the persona pipeline to a Telegram bot over long
// polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/loqalabs/loqa-persona/internal/command"
	"github.com/loqalabs/loqa-persona/internal/config"
	"github.com/loqalabs/loqa-persona/internal/pipeline"
)

// MessageHandler runs one inbound message through the persona pipeline.
type MessageHandler interface {
	Handle(ctx context.Context, msg pipeline.Message, out pipeline.Responder) (pipeline.Result, error)
}

// CommandHandler executes a slash command and returns its Markdown reply.
type CommandHandler interface {
	Handle(ctx context.Context, userID, name string, args []string) (string, error)
}

type Bot struct {
	api          *tgbotapi.BotAPI
	cfg          config.TelegramConfig
	messages     MessageHandler
	commands     CommandHandler
	logger       *slog.Logger
	client       *http.Client
	fileEndpoint string

	wg sync.WaitGroup
}

// New authenticates against the Bot API. It fails when the token is rejected.
func New(cfg config.TelegramConfig, messages MessageHandler, commands CommandHandler, client *http.Client, logger *slog.Logger) (*Bot, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram: bot token required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	api, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram: connect: %w", err)
	}
	api.Debug = cfg.Debug
	return &Bot{
		api:          api,
		cfg:          cfg,
		messages:     messages,
		commands:     commands,
		logger:       logger.With(slog.String("component", "telegram"), slog.String("bot", api.Self.UserName)),
		client:       client,
		fileEndpoint: fileEndpointFor(endpoint),
	}, nil
}

// fileEndpointFor derives the file download endpoint that pairs with a Bot
// API endpoint of the form ".../bot%s/%s".
func fileEndpointFor(apiEndpoint string) string {
	if apiEndpoint == tgbotapi.APIEndpoint {
		return tgbotapi.FileEndpoint
	}
	return strings.Replace(apiEndpoint, "/bot%s/%s", "/file/bot%s/%s", 1)
}

// RegisterCommands publishes the command menu shown by Telegram clients.
func (b *Bot) RegisterCommands(specs []command.Spec) error {
	cmds := make([]tgbotapi.BotCommand, 0, len(specs))
	for _, s := range specs {
		cmds = append(cmds, tgbotapi.BotCommand{Command: s.Name, Description: s.Description})
	}
	_, err := b.api.Request(tgbotapi.NewSetMyCommands(cmds...))
	return err
}

// Run polls for updates until ctx is cancelled. Each update is handled on its
// own goroutine; Run waits for in-flight updates before returning.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.cfg.PollTimeoutSec
	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("telegram bot polling", slog.Int("timeout_sec", u.Timeout))

	defer b.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.dispatch(ctx, update)
			}()
		}
	}
}

// dispatch handles one update. A panic is logged and contained to the update
// that caused it.
func (b *Bot) dispatch(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("update handler panicked",
				slog.Int("update_id", update.UpdateID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	userID := strconv.FormatInt(msg.Chat.ID, 10)
	if msg.From != nil {
		userID = strconv.FormatInt(msg.From.ID, 10)
	}
	out := &responder{api: b.api, chatID: msg.Chat.ID}
	log := b.logger.With(slog.String("user_id", userID), slog.Int("message_id", msg.MessageID))

	if msg.IsCommand() {
		b.command(ctx, userID, msg, out, log)
		return
	}

	if src := b.audioSource(msg); src != nil {
		b.handle(ctx, pipeline.Message{UserID: userID, Audio: src}, out, log)
		return
	}
	if msg.Text != "" {
		b.handle(ctx, pipeline.Message{UserID: userID, Text: msg.Text}, out, log)
	}
}

func (b *Bot) handle(ctx context.Context, msg pipeline.Message, out pipeline.Responder, log *slog.Logger) {
	res, err := b.messages.Handle(ctx, msg, out)
	if err != nil {
		log.Debug("message not delivered", slog.String("state", res.State().String()), slog.String("error", err.Error()))
	}
}

func (b *Bot) command(ctx context.Context, userID string, msg *tgbotapi.Message, out *responder, log *slog.Logger) {
	name := msg.Command()
	text, err := b.commands.Handle(ctx, userID, name, strings.Fields(msg.CommandArguments()))
	if errors.Is(err, command.ErrUnknownCommand) {
		log.Debug("ignoring unknown command", slog.String("command", name))
		return
	}
	if err != nil {
		log.Info("command rejected", slog.String("command", name), slog.String("error", err.Error()))
	}
	if text == "" {
		return
	}
	if err := out.SendText(ctx, text, pipeline.Markdown); err != nil {
		log.Warn("failed to send command reply", slog.String("error", err.Error()))
	}
}

// audioSource returns the downloadable audio attached to msg, if any. Voice
// notes, audio files and audio documents are all accepted.
func (b *Bot) audioSource(msg *tgbotapi.Message) pipeline.AudioSource {
	switch {
	case msg.Voice != nil:
		return &remoteFile{bot: b, fileID: msg.Voice.FileID, ext: extFor("", msg.Voice.MimeType, ".ogg")}
	case msg.Audio != nil:
		return &remoteFile{bot: b, fileID: msg.Audio.FileID, ext: extFor(msg.Audio.FileName, msg.Audio.MimeType, ".mp3")}
	case msg.Document != nil && strings.HasPrefix(msg.Document.MimeType, "audio/"):
		return &remoteFile{bot: b, fileID: msg.Document.FileID, ext: extFor(msg.Document.FileName, msg.Document.MimeType, ".ogg")}
	}
	return nil
}

func extFor(name, mime, fallback string) string {
	if ext := strings.ToLower(filepath.Ext(name)); ext != "" {
		return ext
	}
	switch mime {
	case "audio/ogg", "audio/opus":
		return ".ogg"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return ".m4a"
	}
	return fallback
}
