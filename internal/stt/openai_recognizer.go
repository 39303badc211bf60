package stt

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/loqalabs/loqa-persona/internal/config"
	"github.com/loqalabs/loqa-persona/internal/fault"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

type openAIRecognizer struct {
	client   openai.Client
	model    string
	language string
}

// NewOpenAIRecognizer uses the hosted transcription API, or any server that
// implements it when cfg.Endpoint is set.
func NewOpenAIRecognizer(cfg config.STTConfig, httpClient *http.Client) (Recognizer, error) {
	opts := []option.RequestOption{}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	model := cfg.Model
	if model == "" || model == "base" {
		model = string(openai.AudioModelWhisper1)
	}
	return &openAIRecognizer{
		client:   openai.NewClient(opts...),
		model:    model,
		language: cfg.Language,
	}, nil
}

func (o *openAIRecognizer) Transcribe(ctx context.Context, audioPath string) (TranscriptResult, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return TranscriptResult{}, fault.Wrap(fault.Transcription, "openai", fmt.Errorf("open audio: %w", err))
	}
	defer f.Close()

	params := openai.AudioTranscriptionNewParams{
		File:  f,
		Model: openai.AudioModel(o.model),
	}
	if o.language != "" {
		params.Language = openai.String(o.language)
	}
	resp, err := o.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return TranscriptResult{}, fault.Wrap(fault.Transcription, "openai", fmt.Errorf("transcription: %w", err))
	}
	return TranscriptResult{Text: strings.TrimSpace(resp.Text), Language: o.language}, nil
}
