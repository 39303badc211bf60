package fault

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(Synthesis, "synthesize", nil))
}

func TestKindOfThroughWrapping(t *testing.T) {
	base := Wrap(Transcription, "transcribe", io.ErrUnexpectedEOF)
	wrapped := fmt.Errorf("pipeline: %w", base)

	assert.Equal(t, Transcription, KindOf(wrapped))
	assert.True(t, Is(wrapped, Transcription))
	assert.False(t, Is(wrapped, Generation))
	require.ErrorIs(t, wrapped, io.ErrUnexpectedEOF)
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
	assert.False(t, Is(nil, Internal))
}

func TestErrorString(t *testing.T) {
	err := Newf(Validation, "set_param", "value %v out of range", 3.0)
	assert.Equal(t, "validation [set_param]: value 3 out of range", err.Error())
	assert.Equal(t, "generation: x", (&Error{Kind: Generation, Err: errors.New("x")}).Error())
}
