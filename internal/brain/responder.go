package brain

import (
	"context"
	"errors"
)

var (
	// ErrNotReady is returned by Respond before Load succeeds.
	ErrNotReady = errors.New("responder not loaded")
	// ErrEmptyInput is returned when there is no utterance to answer.
	ErrEmptyInput = errors.New("empty input")
	// ErrEmptyReply is returned when the upstream model produced nothing.
	ErrEmptyReply = errors.New("empty reply")
)

// Request carries one user utterance plus the session context it arrived in.
type Request struct {
	DeviceID     string   `json:"device_id"`
	Location     string   `json:"location"`
	InputText    string   `json:"input_text"`
	CurrentMood  string   `json:"current_mood,omitempty"`
	Conversation []string `json:"conversation,omitempty"`
}

// Reply is the assistant utterance and the mood tag the device should render.
type Reply struct {
	Text string `json:"text"`
	Mood string `json:"mood"`
}

// Responder produces the assistant's reply for one turn.
type Responder interface {
	Load(ctx context.Context) error
	Respond(ctx context.Context, req Request) (Reply, error)
}
