package tts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-persona/internal/config"
	"github.com/loqalabs/loqa-persona/internal/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type synthFunc func(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)

func (f synthFunc) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	return f(ctx, req)
}

func TestWaveformDuration(t *testing.T) {
	wf := Waveform{Samples: make([]int16, 36000), SampleRate: 24000, Channels: 1}
	assert.Equal(t, 1500*time.Millisecond, wf.Duration())
	assert.Equal(t, 1, wf.Seconds())

	stereo := Waveform{Samples: make([]int16, 96000), SampleRate: 24000, Channels: 2}
	assert.Equal(t, 2*time.Second, stereo.Duration())
	assert.Zero(t, Waveform{}.Duration())
}

func TestRenderMock(t *testing.T) {
	synth, err := New(config.TTSConfig{Mode: "mock", SampleRate: 16000}, newLogger())
	require.NoError(t, err)

	wf, err := Render(context.Background(), synth, SynthRequest{Text: "Why is the sky blue?"})
	require.NoError(t, err)
	assert.Equal(t, 16000, wf.SampleRate)
	assert.Equal(t, 20*16000/50, wf.Frames())
	assert.Equal(t, 400*time.Millisecond, wf.Duration())
}

func TestRenderRejectsEmptyText(t *testing.T) {
	_, err := Render(context.Background(), NewMockSynth(0), SynthRequest{Text: "  "})
	assert.ErrorIs(t, err, ErrEmptyText)
	assert.Equal(t, fault.Synthesis, fault.KindOf(err))
}

func TestRenderSurfacesEngineError(t *testing.T) {
	failing := synthFunc(func(context.Context, SynthRequest) (<-chan SynthChunk, <-chan error) {
		chunks := make(chan SynthChunk)
		errs := make(chan error, 1)
		close(chunks)
		errs <- errors.New("CUDA out of memory")
		close(errs)
		return chunks, errs
	})
	_, err := Render(context.Background(), failing, SynthRequest{Text: "hello"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Synthesis))
	assert.Contains(t, err.Error(), "CUDA")
}

func TestRenderRejectsSilence(t *testing.T) {
	silent := synthFunc(func(context.Context, SynthRequest) (<-chan SynthChunk, <-chan error) {
		chunks := make(chan SynthChunk, 1)
		errs := make(chan error)
		chunks <- SynthChunk{SampleRate: 24000, Final: true}
		close(chunks)
		close(errs)
		return chunks, errs
	})
	_, err := Render(context.Background(), silent, SynthRequest{Text: "hello"})
	assert.ErrorIs(t, err, ErrEmptyAudio)
}

func TestExecSynth(t *testing.T) {
	script := filepath.Join(t.TempDir(), "tts.sh")
	// two chunks of two samples each: [0, 1] and [2, 3]
	body := "#!/bin/sh\n" +
		"cat >/dev/null\n" +
		"echo '{\"pcm_base64\":\"AAABAA==\",\"sample_rate\":8000}'\n" +
		"echo '{\"pcm_base64\":\"AgADAA==\",\"final\":true}'\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	synth, err := NewExecSynth("sh "+script, 24000, 0, newLogger())
	require.NoError(t, err)

	wf, err := Render(context.Background(), synth, SynthRequest{Text: "hello", Exaggeration: 0.7, CFGWeight: 0.3})
	require.NoError(t, err)
	assert.Equal(t, []int16{0, 1, 2, 3}, wf.Samples)
	// last chunk omitted the rate, so the configured default wins
	assert.Equal(t, 24000, wf.SampleRate)
}

func TestExecSynthFailure(t *testing.T) {
	synth, err := NewExecSynth("sh -c 'echo boom >&2; exit 2'", 24000, 0, newLogger())
	require.NoError(t, err)
	_, err = Render(context.Background(), synth, SynthRequest{Text: "hello"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func renderWithin(t *testing.T, limit time.Duration, synth Synthesizer) error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		_, err := Render(context.Background(), synth, SynthRequest{Text: "hello"})
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(limit):
		t.Fatalf("render did not return within %s", limit)
		return nil
	}
}

func TestExecSynthGarbageBeforeBulkOutput(t *testing.T) {
	// a warning line followed by far more than a pipe buffer of output
	cmd := `sh -c 'cat >/dev/null; echo loading model; head -c 1000000 /dev/zero | tr "\000" a; echo'`
	synth, err := NewExecSynth(cmd, 24000, 0, newLogger())
	require.NoError(t, err)

	err = renderWithin(t, 15*time.Second, synth)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Synthesis))
	assert.Contains(t, err.Error(), "decode tts output")
}

func TestExecSynthTimeout(t *testing.T) {
	synth, err := NewExecSynth("sh -c 'cat >/dev/null; sleep 30'", 24000, 200*time.Millisecond, newLogger())
	require.NoError(t, err)

	err = renderWithin(t, 10*time.Second, synth)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deadline exceeded")
}

func TestWriteWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reply.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	wf := Waveform{Samples: []int16{0, 1000, -1000, 32767}, SampleRate: 24000, Channels: 1}
	require.NoError(t, WriteWAV(f, wf))
	require.NoError(t, f.Close())

	in, err := os.Open(path)
	require.NoError(t, err)
	defer in.Close()
	dec := wav.NewDecoder(in)
	require.True(t, dec.IsValidFile())
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, 24000, buf.Format.SampleRate)
	assert.Equal(t, []int{0, 1000, -1000, 32767}, buf.Data)
}
