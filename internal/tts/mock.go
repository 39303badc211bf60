package tts

import (
	"context"
	"encoding/binary"
	"math"
	"time"
	"unicode/utf8"
)

type mockSynth struct {
	sampleRate int
}

// NewMockSynth renders a quiet tone lasting 20ms per character of text.
func NewMockSynth(sampleRate int) Synthesizer {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &mockSynth{sampleRate: sampleRate}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(10 * time.Millisecond):
		}
		frames := utf8.RuneCountInString(req.Text) * m.sampleRate / 50
		pcm := make([]byte, frames*2)
		for i := 0; i < frames; i++ {
			v := int16(800 * math.Sin(2*math.Pi*220*float64(i)/float64(m.sampleRate)))
			binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
		}
		chunks <- SynthChunk{
			SampleRate: m.sampleRate,
			Channels:   1,
			PCM:        pcm,
			Final:      true,
		}
	}()
	return chunks, errs
}
