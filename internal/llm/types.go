package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-persona/internal/config"
	"github.com/loqalabs/loqa-persona/internal/fault"
)

var ErrEmptyReply = errors.New("llm: empty reply")

// Request describes a language model prompt.
type Request struct {
	UserID      string
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
	TurnID      string
}

// Chunk represents streamed model output.
type Chunk struct {
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// RequestFromConfig builds a request carrying the configured sampling options.
func RequestFromConfig(cfg config.LLMConfig) Request {
	return Request{MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
}

// Complete drains a generation into a single reply. Every failure, including
// a blank reply, comes back as a fault.Generation error.
func Complete(ctx context.Context, gen Generator, req Request) (string, error) {
	var b strings.Builder
	err := gen.Generate(ctx, req, func(c Chunk) error {
		b.WriteString(c.Content)
		return nil
	})
	if err != nil {
		return "", fault.Wrap(fault.Generation, "generate", err)
	}
	reply := strings.TrimSpace(b.String())
	if reply == "" {
		return "", fault.Wrap(fault.Generation, "generate", ErrEmptyReply)
	}
	return reply, nil
}

// New builds the generator selected by cfg.Mode.
func New(cfg config.LLMConfig, logger *slog.Logger) (Generator, error) {
	client := &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second}
	switch cfg.Mode {
	case "", "mock":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model, client), nil
	case "openai":
		return NewOpenAIGenerator(cfg, client), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}
