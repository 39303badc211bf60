// Package profile keeps the per-user voice configuration: an optional custom
// voice sample and the two style parameters handed to the synthesizer.
package profile

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sync"
)

var (
	ErrOutOfRange    = errors.New("profile: value out of range")
	ErrUnknownParam  = errors.New("profile: unknown parameter")
	ErrMissingSample = errors.New("profile: sample file not found")
	ErrEmptySample   = errors.New("profile: sample file is empty")
)

// Param names a tunable style parameter.
type Param string

const (
	Exaggeration Param = "exaggeration"
	CFGWeight    Param = "cfg_weight"
)

// Range is the closed interval a parameter accepts.
type Range struct {
	Min, Max float64
}

func (r Range) Contains(v float64) bool {
	return !math.IsNaN(v) && v >= r.Min && v <= r.Max
}

// RangeOf returns the accepted interval for p.
func RangeOf(p Param) (Range, bool) {
	switch p {
	case Exaggeration:
		return Range{Min: 0, Max: 2}, true
	case CFGWeight:
		return Range{Min: 0, Max: 1}, true
	default:
		return Range{}, false
	}
}

// Profile is a value copy of a user's voice settings. An empty SamplePath
// means the default voice.
type Profile struct {
	Owner        string
	SamplePath   string
	Exaggeration float64
	CFGWeight    float64
}

func (p Profile) Custom() bool { return p.SamplePath != "" }

// Value returns the current value of a parameter.
func (p Profile) Value(param Param) (float64, bool) {
	switch param {
	case Exaggeration:
		return p.Exaggeration, true
	case CFGWeight:
		return p.CFGWeight, true
	default:
		return 0, false
	}
}

type Defaults struct {
	SamplePath   string
	Exaggeration float64
	CFGWeight    float64
}

type entry struct {
	mu      sync.Mutex
	profile Profile
}

// Store is the per-user registry. The map lock is only held to find or create
// an entry; mutation of one user's profile is serialized on that entry's own
// lock so users never wait on each other.
type Store struct {
	defaults Defaults
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	// Sample files in use by a running synthesis. A file replaced or reset
	// while leased is removed when its last lease is released.
	leaseMu sync.Mutex
	leases  map[string]int
	doomed  map[string]bool
}

func NewStore(defaults Defaults, logger *slog.Logger) *Store {
	return &Store{
		defaults: defaults,
		logger:   logger.With(slog.String("component", "profile")),
		entries:  make(map[string]*entry),
		leases:   make(map[string]int),
		doomed:   make(map[string]bool),
	}
}

func (s *Store) Defaults() Defaults { return s.defaults }

// Get returns the stored profile or a default one. It never fails.
func (s *Store) Get(userID string) Profile {
	s.mu.RLock()
	e, ok := s.entries[userID]
	s.mu.RUnlock()
	if !ok {
		return s.defaultProfile(userID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.profile
}

// DefaultSample returns the configured fallback voice if the file is present,
// or an empty string so the synthesizer uses its built-in voice.
func (s *Store) DefaultSample() string {
	if s.defaults.SamplePath == "" {
		return ""
	}
	if _, err := os.Stat(s.defaults.SamplePath); err != nil {
		return ""
	}
	return s.defaults.SamplePath
}

// SampleFor resolves the voice sample to synthesize with for a profile.
func (s *Store) SampleFor(p Profile) string {
	if p.SamplePath != "" {
		return p.SamplePath
	}
	return s.DefaultSample()
}

// Lease returns the user's profile with its resolved voice sample and pins
// the sample file until release is called. Reset and SetCustomSample never
// delete a pinned file out from under a synthesis.
func (s *Store) Lease(userID string) (p Profile, sample string, release func()) {
	s.mu.RLock()
	e, ok := s.entries[userID]
	s.mu.RUnlock()
	if !ok {
		p = s.defaultProfile(userID)
		return p, s.DefaultSample(), func() {}
	}

	e.mu.Lock()
	p = e.profile
	sample = s.SampleFor(p)
	if p.SamplePath == "" {
		e.mu.Unlock()
		return p, sample, func() {}
	}
	path := p.SamplePath
	s.leaseMu.Lock()
	s.leases[path]++
	s.leaseMu.Unlock()
	e.mu.Unlock()

	var once sync.Once
	return p, sample, func() {
		once.Do(func() { s.unlease(userID, path) })
	}
}

func (s *Store) unlease(userID, path string) {
	s.leaseMu.Lock()
	s.leases[path]--
	if s.leases[path] > 0 {
		s.leaseMu.Unlock()
		return
	}
	delete(s.leases, path)
	remove := s.doomed[path]
	delete(s.doomed, path)
	s.leaseMu.Unlock()
	if remove {
		s.deleteFile(userID, path)
	}
}

// SetCustomSample takes ownership of path as the user's voice sample. A prior
// sample stored at a different path is deleted first.
func (s *Store) SetCustomSample(userID, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrMissingSample, path)
		}
		return fmt.Errorf("stat sample: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrMissingSample, path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: %s", ErrEmptySample, path)
	}

	e := s.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if old := e.profile.SamplePath; old != "" && old != path {
		s.removeSample(userID, old)
	}
	e.profile.SamplePath = path
	s.logger.Info("custom voice set", slog.String("user_id", userID), slog.String("path", path))
	return nil
}

// SetParam updates one style parameter. Out of range values leave the prior
// value untouched.
func (s *Store) SetParam(userID string, param Param, value float64) error {
	r, ok := RangeOf(param)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownParam, param)
	}
	if !r.Contains(value) {
		return fmt.Errorf("%w: %s must be between %.1f and %.1f, got %v", ErrOutOfRange, param, r.Min, r.Max, value)
	}

	e := s.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	switch param {
	case Exaggeration:
		e.profile.Exaggeration = value
	case CFGWeight:
		e.profile.CFGWeight = value
	}
	return nil
}

// Reset removes the custom sample. Style parameters are kept. It reports
// whether there was a custom sample to remove; resetting a default profile is
// a no-op.
func (s *Store) Reset(userID string) bool {
	s.mu.RLock()
	e, ok := s.entries[userID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.profile.SamplePath == "" {
		return false
	}
	s.removeSample(userID, e.profile.SamplePath)
	e.profile.SamplePath = ""
	s.logger.Info("custom voice reset", slog.String("user_id", userID))
	return true
}

func (s *Store) entry(userID string) *entry {
	s.mu.RLock()
	e, ok := s.entries[userID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[userID]; ok {
		return e
	}
	e = &entry{profile: s.defaultProfile(userID)}
	s.entries[userID] = e
	return e
}

func (s *Store) defaultProfile(userID string) Profile {
	return Profile{
		Owner:        userID,
		Exaggeration: s.defaults.Exaggeration,
		CFGWeight:    s.defaults.CFGWeight,
	}
}

// removeSample deletes a sample the profile no longer references, or marks
// it for deletion when a synthesis still holds it. Callers hold the entry lock.
func (s *Store) removeSample(userID, path string) {
	if path == s.defaults.SamplePath {
		return
	}
	s.leaseMu.Lock()
	if s.leases[path] > 0 {
		s.doomed[path] = true
		s.leaseMu.Unlock()
		return
	}
	s.leaseMu.Unlock()
	s.deleteFile(userID, path)
}

func (s *Store) deleteFile(userID, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to delete voice sample",
			slog.String("user_id", userID),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}
