// Package artifact manages the temp files a single turn creates. Every file
// is created through a Scope, and closing the Scope removes whatever was not
// explicitly adopted.
package artifact

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrReleased    = errors.New("artifact: already released")
	ErrScopeClosed = errors.New("artifact: scope closed")
	ErrEmpty       = errors.New("artifact: empty file")
)

const samplesDir = "voices"

// Workspace owns the directory artifacts live in. Adopted artifacts are moved
// into a samples subdirectory that Sweep leaves alone.
type Workspace struct {
	dir    string
	logger *slog.Logger
	clock  func() time.Time
}

func NewWorkspace(dir string, logger *slog.Logger) (*Workspace, error) {
	if dir == "" {
		return nil, errors.New("artifact: workspace dir required")
	}
	if err := os.MkdirAll(filepath.Join(dir, samplesDir), 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{
		dir:    dir,
		logger: logger.With(slog.String("component", "artifact")),
		clock:  time.Now,
	}, nil
}

func (w *Workspace) Dir() string { return w.dir }

// SamplesDir is where adopted artifacts are kept.
func (w *Workspace) SamplesDir() string { return filepath.Join(w.dir, samplesDir) }

// NewScope starts tracking artifacts created on behalf of owner.
func (w *Workspace) NewScope(owner string) *Scope {
	return &Scope{ws: w, owner: sanitize(owner)}
}

// Sweep removes top level files older than the given age. It returns the
// number of files removed.
func (w *Workspace) Sweep(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("read workspace: %w", err)
	}
	cutoff := w.clock().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			w.logger.Warn("sweep remove failed", slog.String("path", path), slogError(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		w.logger.Info("workspace swept", slog.Int("removed", removed))
	}
	return removed, nil
}

// ClearSamples removes every adopted sample except the paths in keep.
// Profiles only live in memory, so at startup no profile can reference these
// files.
func (w *Workspace) ClearSamples(keep ...string) (int, error) {
	dir := w.SamplesDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read samples: %w", err)
	}
	kept := make(map[string]bool, len(keep))
	for _, k := range keep {
		if abs, err := filepath.Abs(k); err == nil && k != "" {
			kept[abs] = true
		}
	}
	removed := 0
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		if abs, err := filepath.Abs(path); err == nil && kept[abs] {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			w.logger.Warn("sample remove failed", slog.String("path", path), slogError(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		w.logger.Info("orphaned voice samples removed", slog.Int("removed", removed))
	}
	return removed, nil
}

func (w *Workspace) name(owner, kind, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return fmt.Sprintf("%s_%s_%d_%s%s", kind, owner, w.clock().UnixNano(), uuid.NewString()[:8], ext)
}

// Scope tracks the artifacts of one turn.
type Scope struct {
	ws     *Workspace
	owner  string
	mu     sync.Mutex
	items  []*Artifact
	closed bool
}

// Create reserves a new empty file for kind and returns its handle.
func (s *Scope) Create(kind, ext string) (*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrScopeClosed
	}
	path := filepath.Join(s.ws.dir, s.ws.name(s.owner, kind, ext))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("create artifact: %w", err)
	}
	a := &Artifact{path: path, ws: s.ws}
	s.items = append(s.items, a)
	return a, nil
}

// Live reports how many artifacts in the scope still hold a file.
func (s *Scope) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.items {
		if a.live() {
			n++
		}
	}
	return n
}

// Close releases every artifact that was not adopted. Removal failures are
// logged; Close never fails.
func (s *Scope) Close() {
	s.mu.Lock()
	items := s.items
	s.items = nil
	s.closed = true
	s.mu.Unlock()

	for _, a := range items {
		if err := a.Release(); err != nil && !errors.Is(err, ErrReleased) {
			s.ws.logger.Warn("artifact cleanup failed", slog.String("path", a.path), slogError(err))
		}
	}
}

// Artifact is one temp file.
type Artifact struct {
	ws       *Workspace
	mu       sync.Mutex
	path     string
	released bool
	adopted  bool
}

func (a *Artifact) Path() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.path
}

// OpenWriter truncates the artifact and opens it for writing.
func (a *Artifact) OpenWriter() (*os.File, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return nil, ErrReleased
	}
	return os.OpenFile(a.path, os.O_WRONLY|os.O_TRUNC, 0o600)
}

// Size returns the current size of the backing file.
func (a *Artifact) Size() (int64, error) {
	info, err := os.Stat(a.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Release removes the backing file. Releasing twice returns ErrReleased and
// touches nothing. Adopted artifacts are not removed.
func (a *Artifact) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return ErrReleased
	}
	a.released = true
	if a.adopted {
		return nil
	}
	if err := os.Remove(a.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Adopt moves the file into the samples directory and hands ownership to the
// caller. The scope will no longer remove it.
func (a *Artifact) Adopt() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return "", ErrReleased
	}
	dst := filepath.Join(a.ws.SamplesDir(), filepath.Base(a.path))
	if err := os.Rename(a.path, dst); err != nil {
		return "", fmt.Errorf("adopt artifact: %w", err)
	}
	a.path = dst
	a.adopted = true
	return dst, nil
}

func (a *Artifact) live() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.released && !a.adopted
}

func sanitize(owner string) string {
	var b strings.Builder
	for _, r := range owner {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "anon"
	}
	return b.String()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
