package voice

import (
	"context"
	"errors"
	"testing"
)

func TestMockTranscriberNotReadyBeforeLoad(t *testing.T) {
	tr := NewMockTranscriber()
	if _, err := tr.Transcribe(context.Background(), []byte{1, 2}); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Transcribe() before Load error = %v, want ErrNotReady", err)
	}

	if err := tr.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	text, err := tr.Transcribe(context.Background(), []byte{1, 2})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if text == "" {
		t.Fatal("Transcribe() returned empty text for non-silent audio")
	}
}

func TestMockTranscriberSilenceAndEmpty(t *testing.T) {
	tr := NewMockTranscriber()
	if err := tr.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if _, err := tr.Transcribe(context.Background(), nil); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("empty audio error = %v, want ErrEmptyInput", err)
	}

	text, err := tr.Transcribe(context.Background(), make([]byte, 64))
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if text != "" {
		t.Fatalf("silence transcript = %q, want empty", text)
	}
}

func TestMockSynthesizer(t *testing.T) {
	sy := NewMockSynthesizer()
	if _, _, err := sy.Synthesize(context.Background(), "hello"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Synthesize() before Load error = %v, want ErrNotReady", err)
	}
	if err := sy.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	audio, format, err := sy.Synthesize(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	if len(audio) == 0 || format != "mock_text_bytes" {
		t.Fatalf("unexpected synthesis result: %d bytes, format %q", len(audio), format)
	}

	if _, _, err := sy.Synthesize(context.Background(), "   "); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("blank text error = %v, want ErrEmptyInput", err)
	}
}
