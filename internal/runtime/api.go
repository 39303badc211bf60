package runtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-persona/internal/command"
	"github.com/loqalabs/loqa-persona/internal/fault"
	"github.com/loqalabs/loqa-persona/internal/pipeline"
	"github.com/loqalabs/loqa-persona/internal/telegram"
)

const userHeader = "X-Persona-User"

type messageRequest struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

type audioReply struct {
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	DurationMS int64  `json:"duration_ms"`
	Data       string `json:"data_base64"`
}

type messageResponse struct {
	TurnID    string      `json:"turn_id"`
	State     string      `json:"state"`
	Fallback  bool        `json:"fallback,omitempty"`
	UserText  string      `json:"user_text,omitempty"`
	ReplyText string      `json:"reply_text,omitempty"`
	Messages  []string    `json:"messages,omitempty"`
	Progress  []string    `json:"progress,omitempty"`
	Audio     *audioReply `json:"audio,omitempty"`
	ErrorKind string      `json:"error_kind,omitempty"`
	Error     string      `json:"error,omitempty"`
}

type commandRequest struct {
	UserID  string   `json:"user_id"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

type commandResponse struct {
	Reply string `json:"reply,omitempty"`
	Error string `json:"error,omitempty"`
}

// api exposes the pipeline and command handler over HTTP.
type api struct {
	messages  telegram.MessageHandler
	commands  telegram.CommandHandler
	maxUpload int64
	logger    *slog.Logger
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/messages", a.handleMessage)
	mux.HandleFunc("POST /v1/commands", a.handleCommand)
}

// handleMessage accepts either a JSON text message or a raw audio body with
// the sender in the X-Persona-User header.
func (a *api) handleMessage(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, a.maxUpload)
	var msg pipeline.Message

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req messageRequest
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
			return
		}
		msg = pipeline.Message{UserID: req.UserID, Text: req.Text}
	} else {
		data, err := io.ReadAll(body)
		if err != nil {
			http.Error(w, "reading audio: "+err.Error(), http.StatusBadRequest)
			return
		}
		msg = pipeline.Message{
			UserID: r.Header.Get(userHeader),
			Audio:  pipeline.BytesAudio{Data: data, Extension: extForMediaType(mediaType)},
		}
	}
	if strings.TrimSpace(msg.UserID) == "" {
		http.Error(w, "user id required", http.StatusBadRequest)
		return
	}

	out := &httpResponder{}
	res, err := a.messages.Handle(r.Context(), msg, out)
	resp := out.response()
	resp.TurnID = res.TurnID
	resp.State = res.State().String()
	resp.Fallback = res.Fallback
	resp.UserText = res.UserText
	resp.ReplyText = res.ReplyText

	status := http.StatusOK
	if err != nil {
		resp.ErrorKind = fault.KindOf(err).String()
		resp.Error = err.Error()
		status = statusFor(err)
		a.logger.Debug("http message not delivered", slog.String("turn_id", res.TurnID), slog.String("error", err.Error()))
	}
	writeJSON(w, status, resp)
}

func (a *api) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		http.Error(w, "user id required", http.StatusBadRequest)
		return
	}
	name := strings.TrimPrefix(strings.ToLower(req.Command), "/")
	reply, err := a.commands.Handle(r.Context(), req.UserID, name, req.Args)
	switch {
	case errors.Is(err, command.ErrUnknownCommand):
		writeJSON(w, http.StatusNotFound, commandResponse{Error: err.Error()})
	case err != nil:
		writeJSON(w, statusFor(err), commandResponse{Reply: reply, Error: err.Error()})
	default:
		writeJSON(w, http.StatusOK, commandResponse{Reply: reply})
	}
}

func statusFor(err error) int {
	switch fault.KindOf(err) {
	case fault.Validation:
		return http.StatusUnprocessableEntity
	case fault.Transcription, fault.Generation, fault.Synthesis:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func extForMediaType(mediaType string) string {
	switch mediaType {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	default:
		return ".ogg"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// httpResponder buffers everything the pipeline sends so it can be returned
// in one response body.
type httpResponder struct {
	mu       sync.Mutex
	messages []string
	progress []string
	audio    *audioReply
}

func (h *httpResponder) SendText(_ context.Context, text string, _ pipeline.Format) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, text)
	return nil
}

func (h *httpResponder) SendStatus(ctx context.Context, text string, format pipeline.Format) (pipeline.Status, error) {
	st := &httpStatus{owner: h}
	return st, st.Edit(ctx, text, format)
}

// SendVoice reads the file immediately; it is removed once the call returns.
func (h *httpResponder) SendVoice(_ context.Context, v pipeline.VoiceReply) error {
	data, err := os.ReadFile(v.Path)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.audio = &audioReply{
		Format:     "wav",
		SampleRate: v.SampleRate,
		DurationMS: v.Duration.Milliseconds(),
		Data:       base64.StdEncoding.EncodeToString(data),
	}
	return nil
}

func (h *httpResponder) response() messageResponse {
	h.mu.Lock()
	defer h.mu.Unlock()
	return messageResponse{Messages: h.messages, Progress: h.progress, Audio: h.audio}
}

type httpStatus struct {
	owner *httpResponder
}

func (s *httpStatus) Edit(_ context.Context, text string, _ pipeline.Format) error {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	s.owner.progress = append(s.owner.progress, text)
	return nil
}

func (s *httpStatus) Delete(context.Context) error { return nil }
