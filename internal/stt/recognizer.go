package stt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-persona/internal/config"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Language   string
	Confidence float64
}

// Recognizer abstracts STT backends. Implementations return a
// fault.Transcription error for unreadable audio or engine failures.
type Recognizer interface {
	Transcribe(ctx context.Context, audioPath string) (TranscriptResult, error)
}

// New builds the recognizer selected by cfg.Mode.
func New(cfg config.STTConfig, logger *slog.Logger) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "whisper":
		return NewWhisperRecognizer(cfg, nil, logger)
	case "openai":
		return NewOpenAIRecognizer(cfg, nil)
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}
