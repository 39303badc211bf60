package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/loqalabs/loqa-persona/internal/config"
	"github.com/loqalabs/loqa-persona/internal/fault"
	"github.com/mattn/go-shellwords"
)

type execRecognizer struct {
	cmd     []string
	cfg     config.STTConfig
	timeout time.Duration
}

type execResult struct {
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

// NewExecRecognizer runs an external transcriber per request. The command is
// called with --audio <path> plus --model and --language when configured, and
// must print {"text": "..."} on stdout.
func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("stt command is empty")
	}
	return &execRecognizer{
		cmd:     args,
		cfg:     cfg,
		timeout: time.Duration(cfg.TimeoutSec) * time.Second,
	}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, audioPath string) (TranscriptResult, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	base := r.cmd[0]
	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", audioPath)
	if r.cfg.Model != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.Model)
	}
	if r.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", r.cfg.Language)
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return TranscriptResult{}, fault.Newf(fault.Transcription, "exec", "stt command failed: %v: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return TranscriptResult{}, fault.Wrap(fault.Transcription, "exec", fmt.Errorf("decode stt response: %w", err))
	}
	return TranscriptResult{
		Text:       strings.TrimSpace(resp.Text),
		Language:   resp.Language,
		Confidence: resp.Confidence,
	}, nil
}
