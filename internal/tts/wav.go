package tts

import (
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV encodes the waveform as 16-bit PCM WAV.
func WriteWAV(w io.WriteSeeker, wf Waveform) error {
	channels := wf.Channels
	if channels <= 0 {
		channels = 1
	}
	data := make([]int, len(wf.Samples))
	for i, s := range wf.Samples {
		data[i] = int(s)
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: wf.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, wf.SampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
