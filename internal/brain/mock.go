package brain

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
)

// MockResponder answers locally without any model behind it. Used for dev
// setups and device bring-up before an inference endpoint exists.
type MockResponder struct {
	loaded atomic.Bool
}

func NewMockResponder() *MockResponder { return &MockResponder{} }

func (r *MockResponder) Load(_ context.Context) error {
	r.loaded.Store(true)
	return nil
}

func (r *MockResponder) Respond(_ context.Context, req Request) (Reply, error) {
	if !r.loaded.Load() {
		return Reply{}, ErrNotReady
	}
	input := strings.TrimSpace(req.InputText)
	if input == "" {
		return Reply{}, ErrEmptyInput
	}

	var text string
	switch {
	case strings.Contains(strings.ToLower(input), "hello"),
		strings.Contains(strings.ToLower(input), "hi "):
		text = fmt.Sprintf("Hello! Nice to hear from you in the %s.", orUnknown(req.Location))
	case strings.HasSuffix(input, "?"):
		text = "Hmm, let me think about that one."
	default:
		text = fmt.Sprintf("I heard you say: %s", input)
	}

	return Reply{Text: text, Mood: ClassifyMood(input, text)}, nil
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return "unknown place"
	}
	return s
}
