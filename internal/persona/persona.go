// Package persona loads the conversational persona the bot speaks as.
package persona

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Persona is loaded once at startup and read-only afterwards.
type Persona struct {
	Name   string
	Prompt string
	// Source is the file the prompt came from, or "builtin".
	Source string
}

func (p Persona) Builtin() bool { return p.Source == "builtin" }

// Default returns the built-in persona for name.
func Default(name string) Persona {
	return Persona{
		Name: name,
		Prompt: fmt.Sprintf("You are %s, the famous philosopher and writer. Respond with wisdom, humor, "+
			"and profound insights about life, consciousness, and the nature of reality.", name),
		Source: "builtin",
	}
}

// Load reads the persona prompt from path. Any failure, including an empty
// file, is logged and the built-in persona is returned instead.
func Load(name, path string, logger *slog.Logger) Persona {
	log := logger.With(slog.String("component", "persona"))
	if strings.TrimSpace(path) == "" {
		log.Warn("no persona prompt configured, using built-in persona", slog.String("name", name))
		return Default(name)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Error("failed to load persona prompt, using built-in persona",
			slog.String("path", path), slog.String("error", err.Error()))
		return Default(name)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		log.Warn("persona prompt is empty, using built-in persona", slog.String("path", path))
		return Default(name)
	}
	log.Info("persona loaded", slog.String("name", name), slog.String("path", path), slog.Int("chars", len(prompt)))
	return Persona{Name: name, Prompt: prompt, Source: path}
}
