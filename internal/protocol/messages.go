package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeHello    MessageType = "hello"
	TypeText     MessageType = "text"
	TypeAudio    MessageType = "audio"
	TypeAck      MessageType = "ack"
	TypeResponse MessageType = "response"
	TypeError    MessageType = "error"
)

// Error messages reported to devices over the wire.
const (
	ErrMsgInvalidJSON      = "invalid_json"
	ErrMsgUnsupportedType  = "unsupported_type"
	ErrMsgMissingAudioData = "missing_audio_data"
	ErrMsgBusy             = "busy"
	ErrMsgNotRegistered    = "not_registered"
	ErrMsgEmptyText        = "empty_text"
	ErrMsgTranscriptFailed = "transcription_failed"
	ErrMsgResponseFailed   = "response_failed"
)

var (
	ErrInvalidJSON      = errors.New("invalid json payload")
	ErrUnsupportedType  = errors.New("unsupported message type")
	ErrMissingAudioData = errors.New("missing audio data")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// Hello registers or re-registers a device session.
type Hello struct {
	Type     MessageType `json:"type"`
	DeviceID string      `json:"device_id"`
	Location string      `json:"location"`
}

// TextInput starts a turn that skips transcription.
type TextInput struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

// AudioInput carries one utterance of base64-encoded PCM16 mono audio.
type AudioInput struct {
	Type MessageType `json:"type"`
	Data string      `json:"data"`
}

type Ack struct {
	Type     MessageType `json:"type"`
	DeviceID string      `json:"device_id"`
}

// Response is a completed assistant turn. AudioBase64 is empty when synthesis
// failed and the reply degraded to text-only.
type Response struct {
	Type        MessageType `json:"type"`
	Mood        string      `json:"mood"`
	Text        string      `json:"text"`
	AudioBase64 string      `json:"audio_base64,omitempty"`
	AudioFormat string      `json:"audio_format,omitempty"`
}

type ErrorEvent struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

func NewError(message string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Message: message}
}

// ParseDeviceMessage decodes one inbound frame into its typed struct.
func ParseDeviceMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrInvalidJSON
	}

	switch env.Type {
	case TypeHello:
		var msg Hello
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, ErrInvalidJSON
		}
		if strings.TrimSpace(msg.DeviceID) == "" {
			msg.DeviceID = "unknown"
		}
		if strings.TrimSpace(msg.Location) == "" {
			msg.Location = "unknown"
		}
		return msg, nil
	case TypeText:
		var msg TextInput
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, ErrInvalidJSON
		}
		return msg, nil
	case TypeAudio:
		var msg AudioInput
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, ErrInvalidJSON
		}
		if strings.TrimSpace(msg.Data) == "" {
			return nil, ErrMissingAudioData
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// ErrorMessageFor maps a parse error to the wire-level error message.
func ErrorMessageFor(err error) string {
	switch {
	case errors.Is(err, ErrMissingAudioData):
		return ErrMsgMissingAudioData
	case errors.Is(err, ErrUnsupportedType):
		return ErrMsgUnsupportedType
	default:
		return ErrMsgInvalidJSON
	}
}
