package artifact

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws, err := NewWorkspace(t.TempDir(), newLogger())
	require.NoError(t, err)
	return ws
}

func topLevelFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names
}

func TestScopeCloseRemovesEverything(t *testing.T) {
	ws := newWorkspace(t)
	scope := ws.NewScope("42")

	in, err := scope.Create("voice_msg", ".ogg")
	require.NoError(t, err)
	out, err := scope.Create("reply", "wav")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(filepath.Base(in.Path()), "voice_msg_42_"))
	assert.True(t, strings.HasSuffix(out.Path(), ".wav"))
	assert.Equal(t, 2, scope.Live())

	scope.Close()

	assert.Empty(t, topLevelFiles(t, ws.Dir()))
	assert.Equal(t, 0, scope.Live())

	_, err = scope.Create("late", ".wav")
	assert.ErrorIs(t, err, ErrScopeClosed)
}

func TestReleaseIsIdempotent(t *testing.T) {
	ws := newWorkspace(t)
	scope := ws.NewScope("7")
	a, err := scope.Create("reply", ".wav")
	require.NoError(t, err)

	require.NoError(t, a.Release())
	assert.ErrorIs(t, a.Release(), ErrReleased)
	_, err = os.Stat(a.Path())
	assert.True(t, os.IsNotExist(err))

	scope.Close()
}

func TestAdoptSurvivesClose(t *testing.T) {
	ws := newWorkspace(t)
	scope := ws.NewScope("7")
	a, err := scope.Create("voice_sample", ".ogg")
	require.NoError(t, err)

	w, err := a.OpenWriter()
	require.NoError(t, err)
	_, err = w.Write([]byte("OggS"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	kept, err := a.Adopt()
	require.NoError(t, err)
	assert.Equal(t, ws.SamplesDir(), filepath.Dir(kept))

	scope.Close()

	data, err := os.ReadFile(kept)
	require.NoError(t, err)
	assert.Equal(t, "OggS", string(data))
	assert.Empty(t, topLevelFiles(t, ws.Dir()))
}

func TestConcurrentScopesDoNotCollide(t *testing.T) {
	ws := newWorkspace(t)
	var wg sync.WaitGroup
	paths := make(chan string, 64)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			scope := ws.NewScope("same-user")
			for j := 0; j < 8; j++ {
				a, err := scope.Create("reply", ".wav")
				if err != nil {
					t.Errorf("create: %v", err)
					return
				}
				paths <- a.Path()
			}
		}()
	}
	wg.Wait()
	close(paths)

	seen := map[string]bool{}
	for p := range paths {
		assert.False(t, seen[p], "duplicate artifact path %s", p)
		seen[p] = true
	}
	assert.Len(t, seen, 64)
}

func TestSweepKeepsSamplesAndFreshFiles(t *testing.T) {
	ws := newWorkspace(t)
	stale := filepath.Join(ws.Dir(), "reply_1_old.wav")
	fresh := filepath.Join(ws.Dir(), "reply_1_new.wav")
	sample := filepath.Join(ws.SamplesDir(), "voice_sample_1.ogg")
	for _, p := range []string{stale, fresh, sample} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))
	}
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.Chtimes(sample, old, old))

	removed, err := ws.Sweep(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
	assert.FileExists(t, sample)
}

func TestClearSamplesLeavesTurnFiles(t *testing.T) {
	ws := newWorkspace(t)
	turn := filepath.Join(ws.Dir(), "tts_1_new.wav")
	require.NoError(t, os.WriteFile(turn, []byte("x"), 0o600))
	var samples []string
	for _, name := range []string{"voice_sample_1_a.ogg", "voice_sample_1_b.ogg", "voice_sample_2_c.mp3"} {
		p := filepath.Join(ws.SamplesDir(), name)
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))
		samples = append(samples, p)
	}

	removed, err := ws.ClearSamples()
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	for _, p := range samples {
		assert.NoFileExists(t, p)
	}
	assert.FileExists(t, turn)
	assert.DirExists(t, ws.SamplesDir())

	removed, err = ws.ClearSamples()
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestClearSamplesKeepsDefaultVoice(t *testing.T) {
	ws := newWorkspace(t)
	def := filepath.Join(ws.SamplesDir(), "alan.wav")
	orphan := filepath.Join(ws.SamplesDir(), "voice_sample_9_x.ogg")
	for _, p := range []string{def, orphan} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))
	}

	removed, err := ws.ClearSamples(def, "")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.FileExists(t, def)
	assert.NoFileExists(t, orphan)
}

func TestSanitizeOwner(t *testing.T) {
	assert.Equal(t, "12-34", sanitize("12/34"))
	assert.Equal(t, "anon", sanitize(""))
}
