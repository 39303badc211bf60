package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/loqalabs/loqa-persona/internal/pipeline"
)

// responder replies into the chat a message came from.
type responder struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

func parseMode(f pipeline.Format) string {
	if f == pipeline.Markdown {
		return tgbotapi.ModeMarkdown
	}
	return ""
}

func (r *responder) SendText(_ context.Context, text string, format pipeline.Format) error {
	msg := tgbotapi.NewMessage(r.chatID, text)
	msg.ParseMode = parseMode(format)
	_, err := r.api.Send(msg)
	return err
}

func (r *responder) SendStatus(_ context.Context, text string, format pipeline.Format) (pipeline.Status, error) {
	msg := tgbotapi.NewMessage(r.chatID, text)
	msg.ParseMode = parseMode(format)
	sent, err := r.api.Send(msg)
	if err != nil {
		return nil, err
	}
	return &status{api: r.api, chatID: r.chatID, messageID: sent.MessageID}, nil
}

func (r *responder) SendVoice(_ context.Context, v pipeline.VoiceReply) error {
	voice := tgbotapi.NewVoice(r.chatID, tgbotapi.FilePath(v.Path))
	voice.Duration = v.Seconds
	_, err := r.api.Send(voice)
	return err
}

type status struct {
	api       *tgbotapi.BotAPI
	chatID    int64
	messageID int
}

func (s *status) Edit(_ context.Context, text string, format pipeline.Format) error {
	edit := tgbotapi.NewEditMessageText(s.chatID, s.messageID, text)
	edit.ParseMode = parseMode(format)
	_, err := s.api.Send(edit)
	return err
}

func (s *status) Delete(context.Context) error {
	_, err := s.api.Request(tgbotapi.NewDeleteMessage(s.chatID, s.messageID))
	return err
}

// remoteFile is an attachment still on Telegram's servers.
type remoteFile struct {
	bot    *Bot
	fileID string
	ext    string
}

func (f *remoteFile) Ext() string { return f.ext }

func (f *remoteFile) Fetch(ctx context.Context, dst io.Writer) error {
	file, err := f.bot.api.GetFile(tgbotapi.FileConfig{FileID: f.fileID})
	if err != nil {
		return fmt.Errorf("telegram: get file: %w", err)
	}
	url := fmt.Sprintf(f.bot.fileEndpoint, f.bot.cfg.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := f.bot.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram: download file: status %d", resp.StatusCode)
	}
	_, err = io.Copy(dst, resp.Body)
	return err
}
