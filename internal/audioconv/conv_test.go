package audioconv

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeStereoWAV(t *testing.T, path string, rate, frames int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	data := make([]int, frames*2)
	for i := 0; i < frames; i++ {
		data[2*i] = 16000
		data[2*i+1] = -16000
	}
	enc := wav.NewEncoder(f, rate, 16, 2, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 2, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
}

func TestConvertWAVResamplesAndDownmixes(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.wav")
	dst := filepath.Join(dir, "out.wav")
	writeStereoWAV(t, src, 8000, 8000)

	require.NoError(t, New(0).ConvertToWAV(context.Background(), src, dst))

	f, err := os.Open(dst)
	require.NoError(t, err)
	defer f.Close()
	dec := wav.NewDecoder(f)
	require.True(t, dec.IsValidFile())
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, 16000, buf.Format.SampleRate)
	assert.Equal(t, 1, buf.Format.NumChannels)
	assert.Len(t, buf.Data, 16000)
	// left and right cancel out
	assert.Equal(t, 0, buf.Data[100])
}

func TestDecodeSniffsExtensionless(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "upload")
	writeStereoWAV(t, src, 16000, 1600)

	x, err := New(16000).Decode(context.Background(), src)
	require.NoError(t, err)
	assert.Len(t, x, 1600)
}

func TestDecodeMaxSeconds(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "long.wav")
	writeStereoWAV(t, src, 16000, 48000)

	c := New(16000)
	c.MaxSeconds = 1
	x, err := c.Decode(context.Background(), src)
	require.NoError(t, err)
	assert.Len(t, x, 16000)
}

func TestDecodeUnsupported(t *testing.T) {
	src := filepath.Join(t.TempDir(), "notes")
	require.NoError(t, os.WriteFile(src, []byte("plain text, not audio"), 0o600))
	_, err := New(0).Decode(context.Background(), src)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestResampleLinear(t *testing.T) {
	in := []float32{0, 1, 0, -1}
	out := resampleLinear(in, 8000, 16000)
	assert.Len(t, out, 8)
	assert.InDelta(t, 0.5, out[1], 1e-6)
	assert.Equal(t, in, resampleLinear(in, 8000, 8000))
}
