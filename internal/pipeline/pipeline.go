// Package pipeline threads one inbound message through transcription,
// generation, synthesis and delivery. Every temp file a run creates lives in
// an artifact scope that is closed before Handle returns.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-persona/internal/artifact"
	"github.com/loqalabs/loqa-persona/internal/fault"
	"github.com/loqalabs/loqa-persona/internal/llm"
	"github.com/loqalabs/loqa-persona/internal/persona"
	"github.com/loqalabs/loqa-persona/internal/profile"
	"github.com/loqalabs/loqa-persona/internal/session"
	"github.com/loqalabs/loqa-persona/internal/stt"
	"github.com/loqalabs/loqa-persona/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-persona/internal/pipeline"

// Deps are the collaborators a pipeline needs. Converter and Recorder are
// optional.
type Deps struct {
	Profiles   *profile.Store
	Flags      *session.Flags
	Workspace  *artifact.Workspace
	Recognizer stt.Recognizer
	Converter  Converter
	Generator  llm.Generator
	Synth      tts.Synthesizer
	Recorder   Recorder
}

type Options struct {
	Persona       persona.Persona
	MaxInputChars int
	MaxReplyChars int
	LLM           llm.Request
	Notices       Notices
}

type Pipeline struct {
	deps    Deps
	opts    Options
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics
	clock   func() time.Time
}

func New(deps Deps, opts Options, logger *slog.Logger) (*Pipeline, error) {
	switch {
	case deps.Profiles == nil:
		return nil, errors.New("pipeline: profile store required")
	case deps.Flags == nil:
		return nil, errors.New("pipeline: session flags required")
	case deps.Workspace == nil:
		return nil, errors.New("pipeline: workspace required")
	case deps.Recognizer == nil, deps.Generator == nil, deps.Synth == nil:
		return nil, errors.New("pipeline: recognizer, generator and synthesizer required")
	}
	if opts.MaxInputChars <= 0 {
		opts.MaxInputChars = 1000
	}
	if opts.MaxReplyChars <= 0 {
		opts.MaxReplyChars = 4096
	}
	if opts.Notices == (Notices{}) {
		opts.Notices = DefaultNotices()
	}
	if opts.Persona.Prompt == "" {
		opts.Persona = persona.Default(opts.Persona.Name)
	}
	log := logger.With(slog.String("component", "pipeline"))
	m, err := newMetrics(otel.Meter(instrumentationName))
	if err != nil {
		log.Warn("pipeline metrics disabled", slogError(err))
	}
	return &Pipeline{
		deps:    deps,
		opts:    opts,
		logger:  log,
		tracer:  otel.Tracer(instrumentationName),
		metrics: m,
		clock:   time.Now,
	}, nil
}

// Handle runs one message to a terminal state. User facing failures are
// reported through out; the returned error repeats Result.Err for callers
// that only log.
func (p *Pipeline) Handle(ctx context.Context, msg Message, out Responder) (Result, error) {
	start := p.clock()
	res := Result{TurnID: msg.TurnID, UserID: msg.UserID}
	if res.TurnID == "" {
		res.TurnID = uuid.NewString()
	}
	input := "text"
	if msg.IsAudio() {
		input = "audio"
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.handle", trace.WithAttributes(
		attribute.String("persona.turn_id", res.TurnID),
		attribute.String("persona.input", input),
	))
	defer span.End()

	log := p.logger.With(slog.String("turn_id", res.TurnID), slog.String("user_id", msg.UserID))
	scope := p.deps.Workspace.NewScope(msg.UserID)
	defer scope.Close()

	res.advance(Received)
	p.route(ctx, scope, msg, out, &res, log)

	res.Elapsed = p.clock().Sub(start)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, fault.KindOf(res.Err).String())
	}
	span.SetAttributes(attribute.String("persona.outcome", res.outcome()))
	p.metrics.turn(ctx, res.outcome())
	if rec := p.deps.Recorder; rec != nil {
		if err := rec.RecordTurn(ctx, res.event(input, p.clock())); err != nil {
			log.Warn("failed to record turn", slogError(err))
		}
	}
	log.Info("turn finished",
		slog.String("outcome", res.outcome()),
		slog.String("state", res.State().String()),
		slog.Bool("fallback", res.Fallback),
		slog.Duration("elapsed", res.Elapsed),
	)
	return res, res.Err
}

func (p *Pipeline) route(ctx context.Context, scope *artifact.Scope, msg Message, out Responder, res *Result, log *slog.Logger) {
	if !msg.IsAudio() {
		res.advance(RoutedText)
		p.respond(ctx, scope, msg.UserID, msg.Text, out, res, log)
		return
	}
	if p.deps.Flags.ConsumeAwaitingFlag(msg.UserID) {
		p.uploadVoice(ctx, scope, msg, out, res, log)
		return
	}
	res.advance(RoutedAudio)
	text, ok := p.transcribe(ctx, scope, msg, out, res, log)
	if !ok {
		return
	}
	p.respond(ctx, scope, msg.UserID, text, out, res, log)
}

func (p *Pipeline) transcribe(ctx context.Context, scope *artifact.Scope, msg Message, out Responder, res *Result, log *slog.Logger) (string, bool) {
	status := p.status(ctx, out, p.opts.Notices.Listening, Plain, log)
	res.advance(Transcribing)
	ctx, span := p.tracer.Start(ctx, "pipeline.transcribe")
	defer span.End()
	started := p.clock()

	text, err := p.recognize(ctx, scope, msg)
	p.metrics.stage(ctx, "transcribe", p.clock().Sub(started))
	if err != nil {
		span.RecordError(err)
		log.Error("transcription failed", slog.String("kind", fault.KindOf(err).String()), slogError(err))
		_ = status.Delete(ctx)
		p.abort(ctx, out, res, err, p.opts.Notices.NotUnderstood, log)
		return "", false
	}

	log.Info("transcribed voice message", slog.String("text", preview(text)))
	if err := status.Edit(ctx, p.opts.Notices.heard(text), Plain); err != nil {
		log.Warn("failed to update status", slogError(err))
	}
	return text, true
}

// recognize downloads the audio, optionally normalises it, and runs the
// recognizer. Every intermediate file is released before it returns.
func (p *Pipeline) recognize(ctx context.Context, scope *artifact.Scope, msg Message) (string, error) {
	in, err := scope.Create("voice_msg", msg.Audio.Ext())
	if err != nil {
		return "", fault.Wrap(fault.IO, "create audio artifact", err)
	}
	defer in.Release()
	if err := fetch(ctx, msg.Audio, in); err != nil {
		return "", err
	}

	path := in.Path()
	if p.deps.Converter != nil {
		wav, err := scope.Create("voice_msg_pcm", ".wav")
		if err != nil {
			return "", fault.Wrap(fault.IO, "create wav artifact", err)
		}
		defer wav.Release()
		if err := p.deps.Converter.ConvertToWAV(ctx, path, wav.Path()); err != nil {
			return "", fault.Wrap(fault.Transcription, "convert audio", err)
		}
		path = wav.Path()
	}

	result, err := p.deps.Recognizer.Transcribe(ctx, path)
	if err != nil {
		if fault.KindOf(err) == fault.Internal {
			err = fault.Wrap(fault.Transcription, "transcribe", err)
		}
		return "", err
	}
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return "", fault.Newf(fault.Transcription, "transcribe", "no speech recognized")
	}
	return text, nil
}

func (p *Pipeline) respond(ctx context.Context, scope *artifact.Scope, userID, text string, out Responder, res *Result, log *slog.Logger) {
	res.UserText = text
	res.advance(Generating)

	if err := p.validateInput(text); err != nil {
		res.Err = err
		res.advance(Rejected)
		notice := p.opts.Notices.Empty
		if strings.TrimSpace(text) != "" {
			notice = p.opts.Notices.tooLong(p.opts.MaxInputChars)
		}
		p.notify(ctx, out, notice, log)
		return
	}

	status := p.status(ctx, out, p.opts.Notices.Contemplating, Markdown, log)
	// The progress notice goes away on every exit from here.
	defer func() {
		if err := status.Delete(ctx); err != nil {
			log.Debug("failed to remove status", slogError(err))
		}
	}()

	reply := p.generate(ctx, userID, text, res, status, log)

	res.advance(Synthesizing)
	if err := status.Edit(ctx, p.opts.Notices.Recording, Markdown); err != nil {
		log.Debug("failed to update status", slogError(err))
	}
	wf, err := p.synthesize(ctx, userID, reply)
	if err != nil {
		log.Error("synthesis failed", slogError(err))
		p.abort(ctx, out, res, err, p.opts.Notices.SynthesisFailed, log)
		return
	}

	if err := p.deliver(ctx, scope, reply, wf, out, res, log); err != nil {
		log.Error("delivery failed", slog.String("kind", fault.KindOf(err).String()), slogError(err))
		p.abort(ctx, out, res, err, p.opts.Notices.ProcessingFailed, log)
		return
	}
	res.advance(Delivered)
}

func (p *Pipeline) validateInput(text string) error {
	if strings.TrimSpace(text) == "" {
		return fault.Newf(fault.Validation, "validate input", "empty message")
	}
	if n := utf8.RuneCountInString(text); n > p.opts.MaxInputChars {
		return fault.Newf(fault.Validation, "validate input", "message has %d characters, limit is %d", n, p.opts.MaxInputChars)
	}
	return nil
}

// generate never fails: when the model is unavailable the user's own text
// becomes the reply so the user still gets audio back.
func (p *Pipeline) generate(ctx context.Context, userID, text string, res *Result, status Status, log *slog.Logger) string {
	ctx, span := p.tracer.Start(ctx, "pipeline.generate")
	defer span.End()
	started := p.clock()

	req := p.opts.LLM
	req.UserID = userID
	req.TurnID = res.TurnID
	req.System = p.opts.Persona.Prompt
	req.Prompt = text

	log.Info("generating reply", slog.String("text", preview(text)))
	reply, err := llm.Complete(ctx, p.deps.Generator, req)
	p.metrics.stage(ctx, "generate", p.clock().Sub(started))
	if err != nil {
		span.RecordError(err)
		log.Error("generation failed, falling back to user text", slogError(err))
		p.metrics.fallback(ctx)
		res.Fallback = true
		if err := status.Edit(ctx, p.opts.Notices.GenerationFallback, Markdown); err != nil {
			log.Debug("failed to update status", slogError(err))
		}
		reply = text
	} else {
		log.Info("reply generated", slog.String("reply", preview(reply)))
	}
	res.ReplyText = reply
	return reply
}

func (p *Pipeline) synthesize(ctx context.Context, userID, text string) (tts.Waveform, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.synthesize")
	defer span.End()
	started := p.clock()

	prof, sample, release := p.deps.Profiles.Lease(userID)
	defer release()
	wf, err := tts.Render(ctx, p.deps.Synth, tts.SynthRequest{
		UserID:       userID,
		Text:         text,
		VoiceSample:  sample,
		Exaggeration: prof.Exaggeration,
		CFGWeight:    prof.CFGWeight,
	})
	p.metrics.stage(ctx, "synthesize", p.clock().Sub(started))
	if err != nil {
		span.RecordError(err)
		if fault.KindOf(err) == fault.Internal {
			err = fault.Wrap(fault.Synthesis, "synthesize", err)
		}
		return tts.Waveform{}, err
	}
	span.SetAttributes(attribute.Bool("persona.custom_voice", prof.Custom()))
	return wf, nil
}

func (p *Pipeline) deliver(ctx context.Context, scope *artifact.Scope, reply string, wf tts.Waveform, out Responder, res *Result, log *slog.Logger) error {
	started := p.clock()
	defer func() { p.metrics.stage(ctx, "deliver", p.clock().Sub(started)) }()

	wav, err := scope.Create("tts", ".wav")
	if err != nil {
		return fault.Wrap(fault.IO, "create reply artifact", err)
	}
	defer wav.Release()

	f, err := wav.OpenWriter()
	if err != nil {
		return fault.Wrap(fault.IO, "open reply artifact", err)
	}
	if err := tts.WriteWAV(f, wf); err != nil {
		f.Close()
		return fault.Wrap(fault.IO, "write reply audio", err)
	}
	if err := f.Close(); err != nil {
		return fault.Wrap(fault.IO, "close reply artifact", err)
	}

	if utf8.RuneCountInString(reply) <= p.opts.MaxReplyChars {
		if err := out.SendText(ctx, reply, Plain); err != nil {
			return fault.Wrap(fault.IO, "send reply text", err)
		}
	} else {
		res.TextOmitted = true
		log.Warn("reply too long for a text message, sending audio only", slog.Int("chars", utf8.RuneCountInString(reply)))
	}

	if err := out.SendVoice(ctx, VoiceReply{
		Path:       wav.Path(),
		Duration:   wf.Duration(),
		Seconds:    wf.Seconds(),
		SampleRate: wf.SampleRate,
		Text:       reply,
	}); err != nil {
		return fault.Wrap(fault.IO, "send voice reply", err)
	}
	res.Audio = wf.Duration()
	return nil
}

func (p *Pipeline) abort(ctx context.Context, out Responder, res *Result, err error, notice string, log *slog.Logger) {
	res.Err = err
	res.advance(Aborted)
	p.notify(ctx, out, notice, log)
}

func (p *Pipeline) notify(ctx context.Context, out Responder, text string, log *slog.Logger) {
	if err := out.SendText(ctx, text, Markdown); err != nil {
		log.Warn("failed to send notice", slogError(err))
	}
}

// status posts a progress notice. Progress notices are cosmetic, so a failed
// post yields a Status that does nothing.
func (p *Pipeline) status(ctx context.Context, out Responder, text string, format Format, log *slog.Logger) Status {
	st, err := out.SendStatus(ctx, text, format)
	if err != nil || st == nil {
		if err != nil {
			log.Warn("failed to send status", slogError(err))
		}
		return nopStatus{}
	}
	return st
}

func fetch(ctx context.Context, src AudioSource, dst *artifact.Artifact) error {
	f, err := dst.OpenWriter()
	if err != nil {
		return fault.Wrap(fault.IO, "open artifact", err)
	}
	if err := src.Fetch(ctx, f); err != nil {
		f.Close()
		return fault.Wrap(fault.IO, "download audio", err)
	}
	if err := f.Close(); err != nil {
		return fault.Wrap(fault.IO, "close artifact", err)
	}
	size, err := dst.Size()
	if err != nil {
		return fault.Wrap(fault.IO, "stat artifact", err)
	}
	if size == 0 {
		return fault.Wrap(fault.IO, "download audio", artifact.ErrEmpty)
	}
	return nil
}

func preview(text string) string {
	const limit = 50
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return fmt.Sprintf("%s...", string(runes[:limit]))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
