package voice

import (
	"context"
	"errors"
)

var (
	// ErrNotReady is returned by engine calls made before Load succeeds.
	ErrNotReady = errors.New("voice engine not loaded")
	// ErrEmptyInput is returned for empty audio or text input.
	ErrEmptyInput = errors.New("empty input")
)

// Transcriber converts one utterance of PCM16 mono audio into text. An empty
// transcript (with nil error) means no recognizable speech; callers treat it
// the same as a transcription failure.
type Transcriber interface {
	Load(ctx context.Context) error
	Transcribe(ctx context.Context, pcm []byte) (string, error)
}

// Synthesizer renders text into an audio payload, returning the bytes and a
// format label ("wav", ...). Failures degrade the reply to text-only.
type Synthesizer interface {
	Load(ctx context.Context) error
	Synthesize(ctx context.Context, text string) ([]byte, string, error)
}
