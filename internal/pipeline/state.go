package pipeline

import (
	"time"

	"github.com/loqalabs/loqa-persona/internal/fault"
	"github.com/loqalabs/loqa-persona/internal/protocol"
)

// State is a step of the per-message state machine.
type State int

const (
	Received State = iota
	RoutedText
	RoutedAudio
	Transcribing
	Generating
	Synthesizing
	Delivered
	Aborted
	Rejected
	UploadingVoice
	VoiceUpdated
)

func (s State) String() string {
	switch s {
	case Received:
		return "received"
	case RoutedText:
		return "routed_text"
	case RoutedAudio:
		return "routed_audio"
	case Transcribing:
		return "transcribing"
	case Generating:
		return "generating"
	case Synthesizing:
		return "synthesizing"
	case Delivered:
		return "delivered"
	case Aborted:
		return "aborted"
	case Rejected:
		return "rejected"
	case UploadingVoice:
		return "uploading_voice"
	case VoiceUpdated:
		return "voice_updated"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	switch s {
	case Delivered, Aborted, Rejected, VoiceUpdated:
		return true
	}
	return false
}

// Result describes what one Handle call did.
type Result struct {
	TurnID    string
	UserID    string
	Trail     []State
	UserText  string
	ReplyText string
	// Fallback is set when the reply is the user's own text because
	// generation failed.
	Fallback bool
	// TextOmitted is set when the reply was too long to send as text.
	TextOmitted bool
	Audio       time.Duration
	Err         error
	Elapsed     time.Duration
}

// State is the last state reached.
func (r Result) State() State {
	if len(r.Trail) == 0 {
		return Received
	}
	return r.Trail[len(r.Trail)-1]
}

func (r *Result) advance(s State) { r.Trail = append(r.Trail, s) }

func (r Result) outcome() string {
	switch r.State() {
	case Delivered:
		return protocol.OutcomeDelivered
	case Rejected:
		return protocol.OutcomeRejected
	case VoiceUpdated:
		return protocol.OutcomeVoiceUpdated
	}
	for _, s := range r.Trail {
		if s == UploadingVoice {
			return protocol.OutcomeVoiceRejected
		}
	}
	return protocol.OutcomeAborted
}

func (r Result) event(input string, at time.Time) protocol.TurnEvent {
	ev := protocol.TurnEvent{
		TurnID:        r.TurnID,
		UserID:        r.UserID,
		Input:         input,
		Outcome:       r.outcome(),
		FinalState:    r.State().String(),
		UserText:      r.UserText,
		ReplyText:     r.ReplyText,
		Fallback:      r.Fallback,
		AudioSeconds:  r.Audio.Seconds(),
		ElapsedMillis: r.Elapsed.Milliseconds(),
		Timestamp:     at,
	}
	if r.Err != nil {
		ev.ErrorKind = fault.KindOf(r.Err).String()
		ev.Error = r.Err.Error()
	}
	return ev
}
