package protocol

import "time"

// TurnEvent summarises one finished pipeline run.
type TurnEvent struct {
	TurnID        string    `json:"turn_id"`
	UserID        string    `json:"user_id"`
	Input         string    `json:"input"` // text or audio
	Outcome       string    `json:"outcome"`
	FinalState    string    `json:"final_state"`
	UserText      string    `json:"user_text,omitempty"`
	ReplyText     string    `json:"reply_text,omitempty"`
	Fallback      bool      `json:"fallback,omitempty"`
	AudioSeconds  float64   `json:"audio_seconds,omitempty"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	Error         string    `json:"error,omitempty"`
	ElapsedMillis int64     `json:"elapsed_ms"`
	Timestamp     time.Time `json:"timestamp"`
}

// VoiceEvent reports a change to a user's voice profile.
type VoiceEvent struct {
	UserID       string    `json:"user_id"`
	Action       string    `json:"action"` // sample_set, sample_rejected, reset, param_set
	Param        string    `json:"param,omitempty"`
	Value        float64   `json:"value,omitempty"`
	CustomSample bool      `json:"custom_sample"`
	Timestamp    time.Time `json:"timestamp"`
}

const (
	OutcomeDelivered     = "delivered"
	OutcomeAborted       = "aborted"
	OutcomeRejected      = "rejected"
	OutcomeVoiceUpdated  = "voice_updated"
	OutcomeVoiceRejected = "voice_rejected"

	VoiceSampleSet      = "sample_set"
	VoiceSampleRejected = "sample_rejected"
	VoiceReset          = "reset"
	VoiceParamSet       = "param_set"
)

// Subject suffixes, joined to the configured prefix.
const (
	SubjectTurnPrefix  = "turn"
	SubjectVoicePrefix = "voice"
)
