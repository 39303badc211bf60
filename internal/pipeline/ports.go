package pipeline

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/loqalabs/loqa-persona/internal/protocol"
)

// Message is one inbound unit of user input. Exactly one of Text or Audio is
// set.
type Message struct {
	UserID string
	TurnID string
	Text   string
	Audio  AudioSource
}

func (m Message) IsAudio() bool { return m.Audio != nil }

// AudioSource is an audio payload that has not been downloaded yet.
type AudioSource interface {
	// Fetch writes the payload to dst.
	Fetch(ctx context.Context, dst io.Writer) error
	// Ext is a file extension hint such as ".ogg".
	Ext() string
}

// BytesAudio is an AudioSource already held in memory.
type BytesAudio struct {
	Data      []byte
	Extension string
}

func (b BytesAudio) Fetch(_ context.Context, dst io.Writer) error {
	_, err := io.Copy(dst, bytes.NewReader(b.Data))
	return err
}

func (b BytesAudio) Ext() string {
	if b.Extension == "" {
		return ".ogg"
	}
	return b.Extension
}

// Format selects how the transport renders text.
type Format int

const (
	Plain Format = iota
	Markdown
)

// Responder delivers replies back to the user who sent the message.
type Responder interface {
	SendText(ctx context.Context, text string, format Format) error
	// SendStatus posts a progress notice that can later be edited or removed.
	SendStatus(ctx context.Context, text string, format Format) (Status, error)
	SendVoice(ctx context.Context, voice VoiceReply) error
}

// Status is a progress notice already shown to the user.
type Status interface {
	Edit(ctx context.Context, text string, format Format) error
	Delete(ctx context.Context) error
}

// VoiceReply points at a rendered WAV file. The file is only valid for the
// duration of the SendVoice call.
type VoiceReply struct {
	Path       string
	Duration   time.Duration
	Seconds    int
	SampleRate int
	Text       string
}

// Converter normalises inbound audio before transcription.
type Converter interface {
	ConvertToWAV(ctx context.Context, src, dst string) error
}

// Recorder receives a summary of every finished run and voice change.
type Recorder interface {
	RecordTurn(ctx context.Context, ev protocol.TurnEvent) error
	RecordVoice(ctx context.Context, ev protocol.VoiceEvent) error
}

type nopStatus struct{}

func (nopStatus) Edit(context.Context, string, Format) error { return nil }
func (nopStatus) Delete(context.Context) error               { return nil }
