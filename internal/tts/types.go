package tts

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-persona/internal/config"
	"github.com/loqalabs/loqa-persona/internal/fault"
)

var (
	ErrEmptyText  = errors.New("tts: text is empty")
	ErrEmptyAudio = errors.New("tts: synthesizer produced no audio")
)

// SynthRequest contains parameters to synthesize speech. An empty
// VoiceSample asks the engine for its built-in voice.
type SynthRequest struct {
	UserID       string
	Text         string
	VoiceSample  string
	Exaggeration float64
	CFGWeight    float64
}

// SynthChunk contains 16-bit little endian PCM.
type SynthChunk struct {
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Waveform is a fully rendered utterance.
type Waveform struct {
	Samples    []int16
	SampleRate int
	Channels   int
}

// Frames is the number of samples per channel.
func (w Waveform) Frames() int {
	if w.Channels <= 1 {
		return len(w.Samples)
	}
	return len(w.Samples) / w.Channels
}

// Duration is frames divided by sample rate.
func (w Waveform) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}
	return time.Duration(w.Frames()) * time.Second / time.Duration(w.SampleRate)
}

// Seconds is the whole-second duration voice messages are labelled with.
func (w Waveform) Seconds() int {
	if w.SampleRate <= 0 {
		return 0
	}
	return w.Frames() / w.SampleRate
}

// Render collects a synthesis stream into one waveform. Failures come back as
// fault.Synthesis errors.
func Render(ctx context.Context, synth Synthesizer, req SynthRequest) (Waveform, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Waveform{}, fault.Wrap(fault.Synthesis, "render", ErrEmptyText)
	}
	chunks, errs := synth.Synthesize(ctx, req)
	var wf Waveform
	for chunk := range chunks {
		if chunk.SampleRate > 0 {
			wf.SampleRate = chunk.SampleRate
		}
		if chunk.Channels > 0 {
			wf.Channels = chunk.Channels
		}
		if len(chunk.PCM)%2 != 0 {
			go drain(chunks)
			return Waveform{}, fault.Newf(fault.Synthesis, "render", "pcm chunk %d not aligned", chunk.Sequence)
		}
		for i := 0; i+1 < len(chunk.PCM); i += 2 {
			wf.Samples = append(wf.Samples, int16(binary.LittleEndian.Uint16(chunk.PCM[i:])))
		}
	}
	if err := <-errs; err != nil {
		return Waveform{}, fault.Wrap(fault.Synthesis, "render", err)
	}
	if len(wf.Samples) == 0 {
		return Waveform{}, fault.Wrap(fault.Synthesis, "render", ErrEmptyAudio)
	}
	if wf.Channels == 0 {
		wf.Channels = 1
	}
	if wf.SampleRate <= 0 {
		return Waveform{}, fault.Newf(fault.Synthesis, "render", "synthesizer reported no sample rate")
	}
	return wf, nil
}

func drain(chunks <-chan SynthChunk) {
	for range chunks {
	}
}

// New builds the synthesizer selected by cfg.Mode.
func New(cfg config.TTSConfig, logger *slog.Logger) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, time.Duration(cfg.TimeoutSec)*time.Second, logger)
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}
