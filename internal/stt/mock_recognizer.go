package stt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loqalabs/loqa-persona/internal/fault"
)

type mockRecognizer struct{}

// NewMockRecognizer describes the audio file instead of transcribing it.
// Empty or missing files fail the way a real engine would.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, audioPath string) (TranscriptResult, error) {
	info, err := os.Stat(audioPath)
	if err != nil {
		return TranscriptResult{}, fault.Wrap(fault.Transcription, "mock", err)
	}
	if info.Size() == 0 {
		return TranscriptResult{}, fault.Newf(fault.Transcription, "mock", "empty audio %s", filepath.Base(audioPath))
	}
	return TranscriptResult{
		Text: fmt.Sprintf("[transcript of %s bytes=%d]", filepath.Base(audioPath), info.Size()),
	}, nil
}
