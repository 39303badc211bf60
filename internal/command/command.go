// Package command implements the slash commands users send to tune their
// voice profile. It is transport agnostic: callers pass the parsed command
// and send the returned Markdown text back however they talk to the user.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-persona/internal/fault"
	"github.com/loqalabs/loqa-persona/internal/pipeline"
	"github.com/loqalabs/loqa-persona/internal/profile"
	"github.com/loqalabs/loqa-persona/internal/protocol"
	"github.com/loqalabs/loqa-persona/internal/session"
)

var ErrUnknownCommand = errors.New("command: unknown command")

const (
	Start        = "start"
	Help         = "help"
	SetVoice     = "set_voice"
	ResetVoice   = "reset_voice"
	Exaggeration = "exaggeration"
	CFGWeight    = "cfg_weight"
)

// Spec describes a command for transports that advertise a command menu.
type Spec struct {
	Name        string
	Description string
}

// Specs lists the supported commands in menu order.
func Specs() []Spec {
	return []Spec{
		{Name: Help, Description: "Learn more about our communication"},
		{Name: Exaggeration, Description: "Adjust voice expressiveness (0.0-2.0)"},
		{Name: CFGWeight, Description: "Adjust voice precision (0.0-1.0)"},
		{Name: SetVoice, Description: "Teach me to speak with your voice"},
		{Name: ResetVoice, Description: "Return to my default voice"},
	}
}

// Handler executes commands against the shared profile store and session
// flags.
type Handler struct {
	profiles *profile.Store
	flags    *session.Flags
	texts    texts
	recorder pipeline.Recorder
	logger   *slog.Logger
	clock    func() time.Time
}

// New builds a handler. recorder may be nil.
func New(profiles *profile.Store, flags *session.Flags, personaName string, recorder pipeline.Recorder, logger *slog.Logger) *Handler {
	return &Handler{
		profiles: profiles,
		flags:    flags,
		texts:    newTexts(personaName),
		recorder: recorder,
		logger:   logger.With(slog.String("component", "command")),
		clock:    time.Now,
	}
}

// Parse splits "/name@bot arg ..." into the command name and its arguments.
// ok is false when text is not a command.
func Parse(text string) (name string, args []string, ok bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	name = strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), fields[1:], true
}

// Handle runs one command and returns the Markdown reply. Invalid arguments
// produce both a reply explaining the problem and a fault.Validation error;
// the profile is left untouched in that case.
func (h *Handler) Handle(ctx context.Context, userID, name string, args []string) (string, error) {
	switch name {
	case Start:
		return h.texts.welcome, nil
	case Help:
		return h.texts.help, nil
	case SetVoice:
		h.flags.BeginVoiceUpload(userID)
		h.logger.Info("awaiting voice sample", slog.String("user_id", userID))
		return h.texts.setVoice, nil
	case ResetVoice:
		return h.resetVoice(ctx, userID), nil
	case Exaggeration:
		return h.param(ctx, userID, profile.Exaggeration, args)
	case CFGWeight:
		return h.param(ctx, userID, profile.CFGWeight, args)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
}

func (h *Handler) resetVoice(ctx context.Context, userID string) string {
	if !h.profiles.Reset(userID) {
		return h.texts.alreadyDefault
	}
	h.record(ctx, protocol.VoiceEvent{UserID: userID, Action: protocol.VoiceReset})
	return h.texts.reset
}

func (h *Handler) param(ctx context.Context, userID string, param profile.Param, args []string) (string, error) {
	r, _ := profile.RangeOf(param)
	txt := h.texts.params[param]
	if len(args) == 0 {
		current, _ := h.profiles.Get(userID).Value(param)
		return fmt.Sprintf(txt.current, current, r.Min, r.Max, formatDefault(h.defaultOf(param))), nil
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(args[0]), 64)
	if err != nil {
		return fmt.Sprintf(invalidNumber, r.Min, r.Max),
			fault.Wrap(fault.Validation, "parse "+string(param), err)
	}
	if err := h.profiles.SetParam(userID, param, value); err != nil {
		if errors.Is(err, profile.ErrOutOfRange) {
			return fmt.Sprintf(invalidRange, r.Min, r.Max), fault.Wrap(fault.Validation, "set "+string(param), err)
		}
		return "", err
	}

	h.logger.Info("voice parameter updated",
		slog.String("user_id", userID),
		slog.String("param", string(param)),
		slog.Float64("value", value),
	)
	h.record(ctx, protocol.VoiceEvent{UserID: userID, Action: protocol.VoiceParamSet, Param: string(param), Value: value})

	hint := txt.lower
	if value > h.defaultOf(param) {
		hint = txt.higher
	}
	return fmt.Sprintf(txt.set, value, hint), nil
}

func (h *Handler) defaultOf(param profile.Param) float64 {
	d := h.profiles.Defaults()
	if param == profile.CFGWeight {
		return d.CFGWeight
	}
	return d.Exaggeration
}

func (h *Handler) record(ctx context.Context, ev protocol.VoiceEvent) {
	if h.recorder == nil {
		return
	}
	ev.CustomSample = h.profiles.Get(ev.UserID).Custom()
	ev.Timestamp = h.clock()
	if err := h.recorder.RecordVoice(ctx, ev); err != nil {
		h.logger.Warn("failed to record voice event", slog.String("error", err.Error()))
	}
}

func formatDefault(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
