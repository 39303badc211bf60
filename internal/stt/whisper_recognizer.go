package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-persona/internal/config"
	"github.com/loqalabs/loqa-persona/internal/fault"
)

// whisperRecognizer posts audio to a whisper.cpp or faster-whisper server
// speaking the OpenAI transcription form.
type whisperRecognizer struct {
	endpoint string
	model    string
	language string
	client   *http.Client
	logger   *slog.Logger
}

func NewWhisperRecognizer(cfg config.STTConfig, client *http.Client, logger *slog.Logger) (Recognizer, error) {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		return nil, fmt.Errorf("whisper endpoint is empty")
	}
	if client == nil {
		client = &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second}
	}
	return &whisperRecognizer{
		endpoint: endpoint,
		model:    cfg.Model,
		language: cfg.Language,
		client:   client,
		logger:   logger.With(slog.String("component", "stt.whisper")),
	}, nil
}

func (w *whisperRecognizer) Transcribe(ctx context.Context, audioPath string) (TranscriptResult, error) {
	audio, err := os.ReadFile(audioPath)
	if err != nil {
		return TranscriptResult{}, fault.Wrap(fault.Transcription, "whisper", fmt.Errorf("read audio: %w", err))
	}
	if len(audio) == 0 {
		return TranscriptResult{}, fault.Newf(fault.Transcription, "whisper", "empty audio %s", filepath.Base(audioPath))
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return TranscriptResult{}, fault.Wrap(fault.Transcription, "whisper", fmt.Errorf("creating form file: %w", err))
	}
	if _, err := part.Write(audio); err != nil {
		return TranscriptResult{}, fault.Wrap(fault.Transcription, "whisper", fmt.Errorf("writing audio: %w", err))
	}
	if w.model != "" {
		_ = writer.WriteField("model", w.model)
	}
	if w.language != "" {
		_ = writer.WriteField("language", w.language)
	}
	_ = writer.WriteField("response_format", "json")
	if err := writer.Close(); err != nil {
		return TranscriptResult{}, fault.Wrap(fault.Transcription, "whisper", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, body)
	if err != nil {
		return TranscriptResult{}, fault.Wrap(fault.Transcription, "whisper", fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := w.client.Do(req)
	if err != nil {
		return TranscriptResult{}, fault.Wrap(fault.Transcription, "whisper", fmt.Errorf("transcription request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return TranscriptResult{}, fault.Newf(fault.Transcription, "whisper", "transcription failed (status %d): %s", resp.StatusCode, respBody)
	}

	var result struct {
		Text     string `json:"text"`
		Language string `json:"language"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return TranscriptResult{}, fault.Wrap(fault.Transcription, "whisper", fmt.Errorf("decoding transcription: %w", err))
	}

	w.logger.Debug("transcription complete", slog.Int("text_length", len(result.Text)), slog.String("language", result.Language))
	return TranscriptResult{Text: strings.TrimSpace(result.Text), Language: result.Language}, nil
}
