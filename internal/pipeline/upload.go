package pipeline

import (
	"context"
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-persona/internal/artifact"
	"github.com/loqalabs/loqa-persona/internal/fault"
	"github.com/loqalabs/loqa-persona/internal/protocol"
)

// uploadVoice stores the message audio as the sender's voice sample. The
// awaiting flag was already consumed, so a failure here leaves the user back
// in normal mode.
func (p *Pipeline) uploadVoice(ctx context.Context, scope *artifact.Scope, msg Message, out Responder, res *Result, log *slog.Logger) {
	res.advance(UploadingVoice)
	ctx, span := p.tracer.Start(ctx, "pipeline.upload_voice")
	defer span.End()

	path, err := p.storeSample(ctx, scope, msg)
	action := protocol.VoiceSampleSet
	if err != nil {
		span.RecordError(err)
		log.Error("failed to save voice sample", slogError(err))
		res.Err = err
		res.advance(Aborted)
		action = protocol.VoiceSampleRejected
		p.notify(ctx, out, p.opts.Notices.VoiceSaveFailed, log)
	} else {
		log.Info("voice sample saved", slog.String("path", path))
		res.advance(VoiceUpdated)
		p.notify(ctx, out, p.opts.Notices.VoiceSaved, log)
	}

	if rec := p.deps.Recorder; rec != nil {
		ev := protocol.VoiceEvent{
			UserID:       msg.UserID,
			Action:       action,
			CustomSample: p.deps.Profiles.Get(msg.UserID).Custom(),
			Timestamp:    p.clock(),
		}
		if err := rec.RecordVoice(ctx, ev); err != nil {
			log.Warn("failed to record voice event", slogError(err))
		}
	}
}

func (p *Pipeline) storeSample(ctx context.Context, scope *artifact.Scope, msg Message) (string, error) {
	a, err := scope.Create("voice_sample", msg.Audio.Ext())
	if err != nil {
		return "", fault.Wrap(fault.IO, "create sample artifact", err)
	}
	defer a.Release()
	if err := fetch(ctx, msg.Audio, a); err != nil {
		return "", err
	}
	path, err := a.Adopt()
	if err != nil {
		return "", fault.Wrap(fault.IO, "adopt sample", err)
	}
	if err := p.deps.Profiles.SetCustomSample(msg.UserID, path); err != nil {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			p.logger.Warn("failed to remove rejected sample", slog.String("path", path), slogError(rmErr))
		}
		return "", fault.Wrap(fault.IO, "set voice sample", err)
	}
	return path, nil
}
