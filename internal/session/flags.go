// Package session holds the transient per-user flags that decide how the next
// audio message is interpreted.
package session

import "sync"

type state struct {
	awaitingVoiceUpload bool
}

// Flags is safe for concurrent use. Operations on one user are atomic with
// respect to each other.
type Flags struct {
	mu    sync.Mutex
	users map[string]*state
}

func NewFlags() *Flags {
	return &Flags{users: make(map[string]*state)}
}

// BeginVoiceUpload marks the user's next audio message as a voice sample.
func (f *Flags) BeginVoiceUpload(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.users[userID]
	if !ok {
		st = &state{}
		f.users[userID] = st
	}
	st.awaitingVoiceUpload = true
}

// ConsumeAwaitingFlag reads and clears the awaiting flag in one step, so of
// two concurrent audio messages only one observes true.
func (f *Flags) ConsumeAwaitingFlag(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.users[userID]
	if !ok || !st.awaitingVoiceUpload {
		return false
	}
	delete(f.users, userID)
	return true
}

// Awaiting reports the flag without clearing it.
func (f *Flags) Awaiting(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.users[userID]
	return ok && st.awaitingVoiceUpload
}
