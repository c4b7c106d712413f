// Package session holds the rolling cross-utterance context: a short audio
// tail biased by VAD and the most recent committed transcript sentence.
// One ContextStore exists per process; it is injected into the HTTP handlers
// rather than accessed as package state.
package session

import (
	"strings"
	"sync"

	"github.com/speechrelay/asrworkerd/internal/vad"
)

// ContextStore carries up to two seconds of trailing audio and the last
// committed sentence across utterances. All methods are safe for concurrent
// use; accessors return copies so callers never alias the stored buffers.
type ContextStore struct {
	mu           sync.Mutex
	audioTail    []float32
	lastSentence string
}

// New returns an empty ContextStore.
func New() *ContextStore {
	return &ContextStore{}
}

// Update refreshes the audio tail from the buffer of a successful request
// and its VAD segments. Only called at the end of successful requests.
func (c *ContextStore) Update(buf []float32, segments []vad.Segment) {
	tail := vad.TailSlice(buf, segments)
	c.mu.Lock()
	c.audioTail = tail
	c.mu.Unlock()
}

// UpdateText replaces the stored sentence with text, stripped. Empty or
// whitespace-only text leaves the stored sentence untouched.
func (c *ContextStore) UpdateText(text string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return
	}
	c.mu.Lock()
	c.lastSentence = trimmed
	c.mu.Unlock()
}

// Audio returns a copy of the stored audio tail, nil when empty.
func (c *ContextStore) Audio() []float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.audioTail) == 0 {
		return nil
	}
	out := make([]float32, len(c.audioTail))
	copy(out, c.audioTail)
	return out
}

// Text returns the stored sentence.
func (c *ContextStore) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSentence
}

// ResetAudio clears the audio tail.
func (c *ContextStore) ResetAudio() {
	c.mu.Lock()
	c.audioTail = nil
	c.mu.Unlock()
}

// ResetText clears the stored sentence.
func (c *ContextStore) ResetText() {
	c.mu.Lock()
	c.lastSentence = ""
	c.mu.Unlock()
}
