package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/loqalabs/loqa-persona/internal/command"
	"github.com/loqalabs/loqa-persona/internal/config"
	"github.com/loqalabs/loqa-persona/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "123:abc"

type apiCall struct {
	method string
	form   map[string]string
}

// fakeAPI emulates the subset of the Bot API the bot uses.
type fakeAPI struct {
	mu     sync.Mutex
	calls  []apiCall
	nextID int
	file   []byte
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/file/bot"+testToken+"/") {
		_, _ = w.Write(f.file)
		return
	}
	method := strings.TrimPrefix(r.URL.Path, "/bot"+testToken+"/")
	if err := r.ParseMultipartForm(1 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	form := map[string]string{}
	for k := range r.Form {
		form[k] = r.FormValue(k)
	}
	if r.MultipartForm != nil {
		for k := range r.MultipartForm.File {
			form[k] = "<file>"
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, apiCall{method: method, form: form})
	f.nextID++
	id := f.nextID
	f.mu.Unlock()

	var result any
	switch method {
	case "getMe":
		result = map[string]any{"id": 1, "is_bot": true, "first_name": "Watts", "username": "watts_bot"}
	case "deleteMessage", "setMyCommands":
		result = true
	case "getFile":
		result = map[string]any{"file_id": form["file_id"], "file_path": "voice/file_1.oga"}
	default:
		result = map[string]any{"message_id": id, "chat": map[string]any{"id": 42}, "date": 0}
	}
	raw, _ := json.Marshal(result)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": json.RawMessage(raw)})
}

func (f *fakeAPI) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.method != "getMe" {
			out = append(out, c.method)
		}
	}
	return out
}

func (f *fakeAPI) last(method string) apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].method == method {
			return f.calls[i]
		}
	}
	return apiCall{}
}

type fakeMessages struct {
	fn  func(ctx context.Context, msg pipeline.Message, out pipeline.Responder)
	got []pipeline.Message
}

func (f *fakeMessages) Handle(ctx context.Context, msg pipeline.Message, out pipeline.Responder) (pipeline.Result, error) {
	f.got = append(f.got, msg)
	if f.fn != nil {
		f.fn(ctx, msg, out)
	}
	return pipeline.Result{}, nil
}

type fakeCommands struct {
	reply string
	err   error
	name  string
	args  []string
}

func (f *fakeCommands) Handle(_ context.Context, _ string, name string, args []string) (string, error) {
	f.name, f.args = name, args
	return f.reply, f.err
}

func newTestBot(t *testing.T, msgs MessageHandler, cmds CommandHandler) (*Bot, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bot, err := New(config.TelegramConfig{
		Token:       testToken,
		APIEndpoint: srv.URL + "/bot%s/%s",
	}, msgs, cmds, srv.Client(), logger)
	require.NoError(t, err)
	return bot, api
}

func commandUpdate(text string) tgbotapi.Update {
	name := strings.Fields(text)[0]
	return tgbotapi.Update{UpdateID: 1, Message: &tgbotapi.Message{
		MessageID: 7,
		From:      &tgbotapi.User{ID: 42},
		Chat:      &tgbotapi.Chat{ID: 42},
		Text:      text,
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name)}},
	}}
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(config.TelegramConfig{}, nil, nil, nil, slog.Default())
	assert.Error(t, err)
}

func TestTextMessageRoundTrip(t *testing.T) {
	wav := filepath.Join(t.TempDir(), "reply.wav")
	require.NoError(t, os.WriteFile(wav, []byte("RIFF...."), 0o600))

	msgs := &fakeMessages{fn: func(ctx context.Context, msg pipeline.Message, out pipeline.Responder) {
		st, err := out.SendStatus(ctx, "_thinking_", pipeline.Markdown)
		require.NoError(t, err)
		require.NoError(t, st.Edit(ctx, "_recording_", pipeline.Markdown))
		require.NoError(t, out.SendText(ctx, "a *reply*", pipeline.Plain))
		require.NoError(t, out.SendVoice(ctx, pipeline.VoiceReply{Path: wav, Seconds: 3}))
		require.NoError(t, st.Delete(ctx))
	}}
	bot, api := newTestBot(t, msgs, &fakeCommands{})

	bot.dispatch(context.Background(), tgbotapi.Update{UpdateID: 2, Message: &tgbotapi.Message{
		MessageID: 9,
		From:      &tgbotapi.User{ID: 42},
		Chat:      &tgbotapi.Chat{ID: 42},
		Text:      "Why is the sky blue?",
	}})

	require.Len(t, msgs.got, 1)
	assert.Equal(t, "42", msgs.got[0].UserID)
	assert.Equal(t, "Why is the sky blue?", msgs.got[0].Text)
	assert.False(t, msgs.got[0].IsAudio())

	assert.Equal(t, []string{"sendMessage", "editMessageText", "sendMessage", "sendVoice", "deleteMessage"}, api.methods())
	voice := api.last("sendVoice")
	assert.Equal(t, "3", voice.form["duration"])
	assert.Equal(t, "<file>", voice.form["voice"])
	text := api.last("sendMessage")
	assert.Equal(t, "a *reply*", text.form["text"])
	assert.Empty(t, text.form["parse_mode"])
	edit := api.last("editMessageText")
	assert.Equal(t, tgbotapi.ModeMarkdown, edit.form["parse_mode"])
}

func TestCommandReply(t *testing.T) {
	cmds := &fakeCommands{reply: "✅ *Exaggeration set to:* `1.50`"}
	bot, api := newTestBot(t, &fakeMessages{}, cmds)

	bot.dispatch(context.Background(), commandUpdate("/exaggeration 1.5"))

	assert.Equal(t, command.Exaggeration, cmds.name)
	assert.Equal(t, []string{"1.5"}, cmds.args)
	call := api.last("sendMessage")
	assert.Equal(t, cmds.reply, call.form["text"])
	assert.Equal(t, tgbotapi.ModeMarkdown, call.form["parse_mode"])
	assert.Equal(t, "42", call.form["chat_id"])
}

func TestUnknownCommandIgnored(t *testing.T) {
	cmds := &fakeCommands{err: fmt.Errorf("%w: %q", command.ErrUnknownCommand, "dance")}
	msgs := &fakeMessages{}
	bot, api := newTestBot(t, msgs, cmds)

	bot.dispatch(context.Background(), commandUpdate("/dance"))
	assert.Empty(t, api.methods())
	assert.Empty(t, msgs.got)
}

func TestVoiceMessageDownloads(t *testing.T) {
	var fetched bytes.Buffer
	var ext string
	msgs := &fakeMessages{fn: func(ctx context.Context, msg pipeline.Message, _ pipeline.Responder) {
		ext = msg.Audio.Ext()
		assert.NoError(t, msg.Audio.Fetch(ctx, &fetched))
	}}
	bot, api := newTestBot(t, msgs, &fakeCommands{})
	api.file = []byte("OggS voice payload")

	bot.dispatch(context.Background(), tgbotapi.Update{UpdateID: 3, Message: &tgbotapi.Message{
		MessageID: 11,
		From:      &tgbotapi.User{ID: 42},
		Chat:      &tgbotapi.Chat{ID: 42},
		Voice:     &tgbotapi.Voice{FileID: "voice-1", Duration: 2, MimeType: "audio/ogg"},
	}})

	require.Len(t, msgs.got, 1)
	assert.True(t, msgs.got[0].IsAudio())
	assert.Equal(t, ".ogg", ext)
	assert.Equal(t, "OggS voice payload", fetched.String())
	assert.Equal(t, "voice-1", api.last("getFile").form["file_id"])
}

func TestNonAudioDocumentIgnored(t *testing.T) {
	msgs := &fakeMessages{}
	bot, _ := newTestBot(t, msgs, &fakeCommands{})
	bot.dispatch(context.Background(), tgbotapi.Update{UpdateID: 4, Message: &tgbotapi.Message{
		MessageID: 12,
		From:      &tgbotapi.User{ID: 42},
		Chat:      &tgbotapi.Chat{ID: 42},
		Document:  &tgbotapi.Document{FileID: "doc", FileName: "notes.pdf", MimeType: "application/pdf"},
	}})
	assert.Empty(t, msgs.got)
}

func TestDispatchRecoversFromPanic(t *testing.T) {
	msgs := &fakeMessages{fn: func(context.Context, pipeline.Message, pipeline.Responder) {
		panic("boom")
	}}
	bot, _ := newTestBot(t, msgs, &fakeCommands{})
	assert.NotPanics(t, func() {
		bot.dispatch(context.Background(), tgbotapi.Update{UpdateID: 5, Message: &tgbotapi.Message{
			From: &tgbotapi.User{ID: 1},
			Chat: &tgbotapi.Chat{ID: 1},
			Text: "hi",
		}})
	})
}

func TestRegisterCommands(t *testing.T) {
	bot, api := newTestBot(t, &fakeMessages{}, &fakeCommands{})
	require.NoError(t, bot.RegisterCommands(command.Specs()))
	call := api.last("setMyCommands")
	assert.Contains(t, call.form["commands"], `"set_voice"`)
}

func TestExtFor(t *testing.T) {
	assert.Equal(t, ".mp3", extFor("Track.MP3", "", ".ogg"))
	assert.Equal(t, ".wav", extFor("", "audio/x-wav", ".ogg"))
	assert.Equal(t, ".ogg", extFor("", "application/octet-stream", ".ogg"))
}

func TestFileEndpointFor(t *testing.T) {
	assert.Equal(t, tgbotapi.FileEndpoint, fileEndpointFor(tgbotapi.APIEndpoint))
	assert.Equal(t, "http://x/file/bot%s/%s", fileEndpointFor("http://x/bot%s/%s"))
}
