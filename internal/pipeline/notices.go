package pipeline

import "fmt"

// Notices holds the user facing texts the pipeline sends.
type Notices struct {
	Listening          string
	Heard              string // %s is the transcript
	NotUnderstood      string
	TooLong            string // %d is the limit
	Empty              string
	Contemplating      string
	GenerationFallback string
	Recording          string
	SynthesisFailed    string
	ProcessingFailed   string
	VoiceSaved         string
	VoiceSaveFailed    string
}

func DefaultNotices() Notices {
	return Notices{
		Listening:          "🎧 I am listening to your audio...",
		Heard:              "🎧 I heard: \"%s\"",
		NotUnderstood:      "❌ *Sorry, I couldn't understand your voice message.* Please try again or send a text message.",
		TooLong:            "❌ *Text too long!* Please send a message shorter than %d characters.",
		Empty:              "❌ *Nothing to contemplate!* Please send some words.",
		Contemplating:      "_I need a moment to contemplate_ 🤔",
		GenerationFallback: "❌ *Error generating AI response.* Converting your original message to speech instead...",
		Recording:          "_I am recording a message_ 🎙️",
		SynthesisFailed:    "❌ *Sorry, I could not record my reply.* Please try again.",
		ProcessingFailed:   "❌ *Sorry, there was an error processing your message.* Please try again.",
		VoiceSaved:         "✅ *Voice prompt saved!* Your next text messages will use this voice.",
		VoiceSaveFailed:    "❌ *Error saving voice file.* Please try again with a different audio file.",
	}
}

func (n Notices) heard(text string) string { return fmt.Sprintf(n.Heard, text) }

func (n Notices) tooLong(limit int) string { return fmt.Sprintf(n.TooLong, limit) }
