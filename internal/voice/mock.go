package voice

import (
	"context"
	"strings"
	"sync/atomic"
)

// MockTranscriber is the dev/test fallback when no whisper install exists.
type MockTranscriber struct {
	loaded atomic.Bool
}

func NewMockTranscriber() *MockTranscriber { return &MockTranscriber{} }

func (t *MockTranscriber) Load(_ context.Context) error {
	t.loaded.Store(true)
	return nil
}

func (t *MockTranscriber) Transcribe(_ context.Context, pcm []byte) (string, error) {
	if !t.loaded.Load() {
		return "", ErrNotReady
	}
	if len(pcm) == 0 {
		return "", ErrEmptyInput
	}
	if allZero(pcm) {
		// Silence transcribes to nothing.
		return "", nil
	}
	return "simulated voice input", nil
}

// MockSynthesizer echoes the text bytes back as a fake audio payload.
type MockSynthesizer struct {
	loaded atomic.Bool
}

func NewMockSynthesizer() *MockSynthesizer { return &MockSynthesizer{} }

func (s *MockSynthesizer) Load(_ context.Context) error {
	s.loaded.Store(true)
	return nil
}

func (s *MockSynthesizer) Synthesize(_ context.Context, text string) ([]byte, string, error) {
	if !s.loaded.Load() {
		return nil, "", ErrNotReady
	}
	if strings.TrimSpace(text) == "" {
		return nil, "", ErrEmptyInput
	}
	return []byte(text), "mock_text_bytes", nil
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
