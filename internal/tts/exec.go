package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// waitDelay bounds how long Wait waits for the engine's pipes after the
// engine was stopped. Children of a shell wrapper can keep them open.
const waitDelay = 2 * time.Second

type execSynth struct {
	cmd        []string
	sampleRate int
	timeout    time.Duration
	logger     *slog.Logger
}

type execRequest struct {
	Text         string  `json:"text"`
	VoiceSample  string  `json:"voice_sample,omitempty"`
	Exaggeration float64 `json:"exaggeration"`
	CFGWeight    float64 `json:"cfg_weight"`
	SampleRate   int     `json:"sample_rate"`
}

type execResponse struct {
	PCMBase64  string `json:"pcm_base64"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Final      bool   `json:"final"`
}

// NewExecSynth drives a voice cloning engine through a subprocess. The
// request is written as JSON on stdin; the engine streams NDJSON lines of
// base64 PCM on stdout. A zero timeout leaves the engine unbounded.
func NewExecSynth(command string, sampleRate int, timeout time.Duration, logger *slog.Logger) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("tts command empty")
	}
	return &execSynth{
		cmd:        args,
		sampleRate: sampleRate,
		timeout:    timeout,
		logger:     logger.With(slog.String("component", "tts.exec")),
	}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	schunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(schunks)
		defer close(errs)

		data, err := json.Marshal(execRequest{
			Text:         req.Text,
			VoiceSample:  req.VoiceSample,
			Exaggeration: req.Exaggeration,
			CFGWeight:    req.CFGWeight,
			SampleRate:   e.sampleRate,
		})
		if err != nil {
			errs <- err
			return
		}

		var (
			runCtx context.Context
			cancel context.CancelFunc
		)
		if e.timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		} else {
			runCtx, cancel = context.WithCancel(ctx)
		}
		defer cancel()

		cmd := exec.CommandContext(runCtx, e.cmd[0], e.cmd[1:]...)
		cmd.Stdin = bytes.NewReader(data)
		cmd.WaitDelay = waitDelay
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- err
			return
		}
		if err := cmd.Start(); err != nil {
			errs <- err
			return
		}

		// Children of a shell wrapper can outlive a killed engine and keep
		// stdout open, so the read end is closed when the run ends.
		go func() {
			<-runCtx.Done()
			_ = stdout.Close()
		}()

		expired := func(err error) error {
			if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return fmt.Errorf("tts command timed out after %s: %w", e.timeout, context.DeadlineExceeded)
			}
			return err
		}

		// fail stops the engine before reaping it. An engine blocked writing
		// to stdout would otherwise never exit.
		fail := func(err error) {
			err = expired(err)
			cancel()
			_ = cmd.Wait()
			errs <- err
		}

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 256*1024), 16*1024*1024)
		sequence := 0
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var resp execResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				fail(fmt.Errorf("decode tts output: %w", err))
				return
			}
			pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
			if err != nil {
				fail(fmt.Errorf("decode pcm: %w", err))
				return
			}
			rate := resp.SampleRate
			if rate == 0 {
				rate = e.sampleRate
			}
			select {
			case schunks <- SynthChunk{
				Sequence:   sequence,
				SampleRate: rate,
				Channels:   resp.Channels,
				PCM:        pcm,
				Final:      resp.Final,
			}:
			case <-ctx.Done():
				fail(ctx.Err())
				return
			}
			sequence++
		}
		if scanErr := scanner.Err(); scanErr != nil {
			fail(fmt.Errorf("read tts output: %w", scanErr))
			return
		}
		if err := cmd.Wait(); err != nil {
			errs <- fmt.Errorf("tts command failed: %w: %s", expired(err), strings.TrimSpace(stderr.String()))
			return
		}
		e.logger.Debug("synthesis finished", slog.Int("chunks", sequence))
	}()
	return schunks, errs
}
