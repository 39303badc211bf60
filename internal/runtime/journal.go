package runtime

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-persona/internal/pipeline"
	"github.com/loqalabs/loqa-persona/internal/protocol"
)

// journal fans events out to every configured sink. A failing sink does not
// stop the others.
type journal []pipeline.Recorder

func (j journal) RecordTurn(ctx context.Context, ev protocol.TurnEvent) error {
	var errs []error
	for _, r := range j {
		if err := r.RecordTurn(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (j journal) RecordVoice(ctx context.Context, ev protocol.VoiceEvent) error {
	var errs []error
	for _, r := range j {
		if err := r.RecordVoice(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// recorder returns nil when there is nothing to record to.
func (j journal) recorder() pipeline.Recorder {
	if len(j) == 0 {
		return nil
	}
	return j
}
