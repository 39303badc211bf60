package command

import (
	"fmt"

	"github.com/loqalabs/loqa-persona/internal/profile"
)

const (
	invalidNumber = "❌ *Invalid number!* Please provide a decimal number between %.1f and %.1f"
	invalidRange  = "❌ *Invalid range!* Please use a value between %.1f and %.1f"
)

type paramTexts struct {
	current string // value, min, max, default
	set     string // value, hint
	higher  string
	lower   string
}

type texts struct {
	welcome        string
	help           string
	setVoice       string
	reset          string
	alreadyDefault string
	params         map[profile.Param]paramTexts
}

func newTexts(name string) texts {
	if name == "" {
		name = "Alan Watts"
	}
	return texts{
		welcome: fmt.Sprintf("🧘‍♂️ *Greetings, my friend. I am %s.*\n\n"+
			"How wonderful that we can meet in this digital space! I invite you to engage with me "+
			"in the ancient art of dialogue, that dance of minds exploring the great questions of existence.\n\n"+
			"*You may reach out to me in two ways:*\n"+
			"• Type your thoughts and questions as text\n"+
			"• Speak to me directly through voice messages\n\n"+
			"I will listen carefully and respond with both my written reflections and my spoken voice, "+
			"sharing whatever wisdom I can offer about this curious game we call life.\n\n"+
			"*Commands to guide our conversation:*\n"+
			"`/help` - Learn more about our communication\n"+
			"`/exaggeration` - Adjust voice expressiveness (0.0-2.0)\n"+
			"`/cfg_weight` - Adjust voice precision (0.0-1.0)\n"+
			"`/set_voice` - Teach me to speak with your voice\n"+
			"`/reset_voice` - Return to my default %s voice\n\n"+
			"_What mysteries shall we explore together today?_ 🌸", name, name),
		help: fmt.Sprintf("🧘‍♂️ *Hello, my friend. I am %s.*\n\n"+
			"*You may communicate with me in two delightful ways:*\n\n"+
			"📝 *Written Words*: Simply type your thoughts, questions, or musings. "+
			"I shall contemplate them and respond with both text and my spoken voice.\n\n"+
			"🎙️ *Spoken Words*: Send me a voice message, and I will listen carefully. "+
			"Through the magic of modern technology, I can hear your words and respond accordingly.\n\n"+
			"*What we might explore together:*\n"+
			"• The nature of consciousness and reality\n"+
			"• Eastern philosophy and Zen wisdom\n"+
			"• The art of letting go and being present\n"+
			"• Life's paradoxes and the play of existence\n"+
			"• Whatever questions dance in your mind\n\n"+
			"*A few practical notes:*\n"+
			"• I respond with both written thoughts and audio\n"+
			"• Shorter messages allow for quicker contemplation\n\n"+
			"*Commands to guide our conversation:*\n"+
			"`/set_voice` - Teach me to speak with your voice\n"+
			"`/reset_voice` - Return to my default %s voice\n"+
			"`/help` - Learn more about our communication\n"+
			"`/exaggeration` - Adjust voice expressiveness (0.0-2.0)\n"+
			"`/cfg_weight` - Adjust voice precision (0.0-1.0)\n"+
			"_Remember, there are no foolish questions, only the beautiful curiosity of being human. "+
			"What shall we explore together?_ 🌸", name, name),
		setVoice: fmt.Sprintf("🎵 *Send me an audio file to use as your custom voice prompt!*\n\n"+
			"_The audio should be clear speech, preferably 3-10 seconds long._\n\n"+
			"*If you have nothing to say, just read this text aloud:* \n\n"+
			"_Hello, I am %s. I am delighted to meet you in this digital space. "+
			"I look forward to our conversations about the mysteries of existence and the nature of reality._\n\n"+
			"Once you send the audio, I will use it to generate responses in your voice.\n\n"+
			"*Please send the audio file now.*", name),
		reset: fmt.Sprintf("🔄 *Voice reset to default %s voice.*\n\n"+
			"_I will now speak with my original philosophical tone and cadence._", name),
		alreadyDefault: fmt.Sprintf("ℹ️ *You are already using the default %s voice.*\n\n"+
			"_Use `/set_voice` if you'd like to customize my voice with your own audio._", name),
		params: map[profile.Param]paramTexts{
			profile.Exaggeration: {
				current: "🎭 *Current exaggeration level:* `%.2f`\n\n" +
					"*Usage:* `/exaggeration <value>`\n" +
					"*Range:* %.1f - %.1f\n" +
					"*Default:* %s\n\n" +
					"_Higher values make the voice more expressive and dramatic._",
				set:    "✅ *Exaggeration set to:* `%.2f`\n\n_Your voice will now sound %s_",
				higher: "more dramatic",
				lower:  "more subtle",
			},
			profile.CFGWeight: {
				current: "⚙️ *Current CFG weight:* `%.2f`\n\n" +
					"*Usage:* `/cfg_weight <value>`\n" +
					"*Range:* %.1f - %.1f\n" +
					"*Default:* %s\n\n" +
					"_Higher values follow the prompt more closely, lower values allow more creativity._",
				set:    "✅ *CFG weight set to:* `%.2f`\n\n_Voice will be %s_",
				higher: "more precise",
				lower:  "more creative",
			},
		},
	}
}
