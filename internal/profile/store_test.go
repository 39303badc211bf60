package profile

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newStore() *Store {
	return NewStore(Defaults{Exaggeration: 0.7, CFGWeight: 0.3}, newLogger())
}

func writeSample(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestGetReturnsDefaults(t *testing.T) {
	s := newStore()
	p := s.Get("1")
	assert.Equal(t, Profile{Owner: "1", Exaggeration: 0.7, CFGWeight: 0.3}, p)
	assert.False(t, p.Custom())
	assert.Equal(t, p, s.Get("1"))
}

func TestSetParamRoundTrip(t *testing.T) {
	cases := []struct {
		param Param
		value float64
		ok    bool
	}{
		{Exaggeration, 0, true},
		{Exaggeration, 1.25, true},
		{Exaggeration, 2, true},
		{Exaggeration, -0.01, false},
		{Exaggeration, 2.01, false},
		{Exaggeration, math.NaN(), false},
		{CFGWeight, 0, true},
		{CFGWeight, 0.5, true},
		{CFGWeight, 1, true},
		{CFGWeight, 1.5, false},
		{CFGWeight, -1, false},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s=%v", tc.param, tc.value), func(t *testing.T) {
			s := newStore()
			before, _ := s.Get("u").Value(tc.param)
			err := s.SetParam("u", tc.param, tc.value)
			got, _ := s.Get("u").Value(tc.param)
			if tc.ok {
				require.NoError(t, err)
				assert.Equal(t, tc.value, got)
				return
			}
			require.ErrorIs(t, err, ErrOutOfRange)
			assert.Equal(t, before, got)
		})
	}
}

func TestSetParamUnknown(t *testing.T) {
	s := newStore()
	require.ErrorIs(t, s.SetParam("u", Param("pitch"), 1), ErrUnknownParam)
}

func TestSetCustomSampleValidates(t *testing.T) {
	dir := t.TempDir()
	s := newStore()

	err := s.SetCustomSample("u", filepath.Join(dir, "missing.ogg"))
	require.ErrorIs(t, err, ErrMissingSample)

	empty := writeSample(t, dir, "empty.ogg", nil)
	require.ErrorIs(t, s.SetCustomSample("u", empty), ErrEmptySample)
	assert.False(t, s.Get("u").Custom())
}

func TestSetCustomSampleReplacesOldFile(t *testing.T) {
	dir := t.TempDir()
	s := newStore()
	first := writeSample(t, dir, "first.ogg", []byte("one"))
	second := writeSample(t, dir, "second.ogg", []byte("two"))

	require.NoError(t, s.SetCustomSample("u", first))
	require.NoError(t, s.SetCustomSample("u", first))
	assert.FileExists(t, first)

	require.NoError(t, s.SetCustomSample("u", second))
	assert.NoFileExists(t, first)
	assert.Equal(t, second, s.Get("u").SamplePath)
}

func TestResetKeepsParams(t *testing.T) {
	dir := t.TempDir()
	s := newStore()
	sample := writeSample(t, dir, "voice.ogg", []byte("voice"))

	require.NoError(t, s.SetParam("u", Exaggeration, 1.5))
	require.NoError(t, s.SetCustomSample("u", sample))

	assert.True(t, s.Reset("u"))
	assert.NoFileExists(t, sample)
	p := s.Get("u")
	assert.False(t, p.Custom())
	assert.Equal(t, 1.5, p.Exaggeration)

	assert.False(t, s.Reset("u"))
	assert.False(t, s.Reset("never-seen"))
}

func TestResetWhileLeasedDefersDelete(t *testing.T) {
	dir := t.TempDir()
	s := newStore()
	sample := writeSample(t, dir, "voice.ogg", []byte("voice"))
	require.NoError(t, s.SetCustomSample("u", sample))

	p, path, release := s.Lease("u")
	assert.True(t, p.Custom())
	assert.Equal(t, sample, path)

	assert.True(t, s.Reset("u"))
	assert.False(t, s.Get("u").Custom())
	assert.FileExists(t, sample, "sample in use must survive reset")

	release()
	assert.NoFileExists(t, sample)
	release()
}

func TestReplaceWhileLeasedDefersDelete(t *testing.T) {
	dir := t.TempDir()
	s := newStore()
	first := writeSample(t, dir, "first.ogg", []byte("one"))
	second := writeSample(t, dir, "second.ogg", []byte("two"))
	require.NoError(t, s.SetCustomSample("u", first))

	_, _, releaseA := s.Lease("u")
	_, _, releaseB := s.Lease("u")
	require.NoError(t, s.SetCustomSample("u", second))
	assert.FileExists(t, first)

	releaseA()
	assert.FileExists(t, first, "still leased once")
	releaseB()
	assert.NoFileExists(t, first)
	assert.FileExists(t, second)
}

func TestLeaseWithoutCustomSample(t *testing.T) {
	dir := t.TempDir()
	def := writeSample(t, dir, "default.wav", []byte("default"))
	s := NewStore(Defaults{SamplePath: def, Exaggeration: 0.7, CFGWeight: 0.3}, newLogger())

	p, path, release := s.Lease("new")
	defer release()
	assert.False(t, p.Custom())
	assert.Equal(t, def, path)
	assert.False(t, s.Reset("new"))
	assert.FileExists(t, def)
}

func TestResetToleratesMissingFile(t *testing.T) {
	dir := t.TempDir()
	s := newStore()
	sample := writeSample(t, dir, "voice.ogg", []byte("voice"))
	require.NoError(t, s.SetCustomSample("u", sample))
	require.NoError(t, os.Remove(sample))

	assert.True(t, s.Reset("u"))
	assert.False(t, s.Get("u").Custom())
}

func TestSampleForFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	def := writeSample(t, dir, "default.wav", []byte("RIFF"))
	s := NewStore(Defaults{SamplePath: def, Exaggeration: 0.7, CFGWeight: 0.3}, newLogger())
	assert.Equal(t, def, s.SampleFor(s.Get("u")))

	missing := NewStore(Defaults{SamplePath: filepath.Join(dir, "nope.wav")}, newLogger())
	assert.Equal(t, "", missing.SampleFor(missing.Get("u")))
}

func TestConcurrentUsersDoNotCrossWrite(t *testing.T) {
	dir := t.TempDir()
	s := newStore()
	users := []string{"alice", "bob"}
	var wg sync.WaitGroup
	for _, u := range users {
		for i := 0; i < 20; i++ {
			path := writeSample(t, dir, fmt.Sprintf("%s-%d.ogg", u, i), []byte(u))
			wg.Add(1)
			go func(user, path string) {
				defer wg.Done()
				if err := s.SetCustomSample(user, path); err != nil {
					t.Errorf("set sample: %v", err)
				}
			}(u, path)
		}
	}
	wg.Wait()

	for _, u := range users {
		p := s.Get(u)
		require.True(t, p.Custom())
		data, err := os.ReadFile(p.SamplePath)
		require.NoError(t, err)
		assert.Equal(t, u, string(data))
	}
}
