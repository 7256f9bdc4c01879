package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType identifies websocket payload variants on the client leg.
type MessageType string

const (
	TypeAudio MessageType = "audio"
	TypeStop  MessageType = "stop"
	TypeStart MessageType = "start"

	TypeConnected             MessageType = "connected"
	TypeConnectionEstablished MessageType = "connection.established"
	TypeVAD                   MessageType = "vad"
	TypeTranscript            MessageType = "transcript"
	TypeResponseTextDelta     MessageType = "response_text_delta"
	TypeResponseDone          MessageType = "response_done"
	TypeError                 MessageType = "error"
	TypeConnectionClosed      MessageType = "connection_closed"
	TypeStatus                MessageType = "status"
)

// VAD statuses.
const (
	VADSpeaking = "speaking"
	VADSilent   = "silent"
)

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidMessage  = errors.New("invalid client message")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// Inbound.

type ClientAudio struct {
	Type MessageType `json:"type"`
	Data string      `json:"data"`
}

type ClientStop struct {
	Type MessageType `json:"type"`
}

type ClientStart struct {
	Type MessageType `json:"type"`
}

// Outbound.

type Connected struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Timestamp string      `json:"timestamp"`
}

type ConnectionEstablished struct {
	Type MessageType `json:"type"`
}

type VAD struct {
	Type   MessageType `json:"type"`
	Status string      `json:"status"`
}

type Audio struct {
	Type MessageType `json:"type"`
	Data string      `json:"data"`
}

type Transcript struct {
	Type MessageType `json:"type"`
	Role string      `json:"role"`
	Text string      `json:"text"`
}

type ResponseTextDelta struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type ResponseDone struct {
	Type MessageType `json:"type"`
}

type ErrorEvent struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type ConnectionClosed struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type Status struct {
	Type   MessageType `json:"type"`
	Status string      `json:"status"`
}

func NewConnected(sessionID string, at time.Time) Connected {
	return Connected{Type: TypeConnected, SessionID: sessionID, Timestamp: at.UTC().Format(time.RFC3339Nano)}
}

func NewConnectionEstablished() ConnectionEstablished {
	return ConnectionEstablished{Type: TypeConnectionEstablished}
}

func NewVAD(status string) VAD { return VAD{Type: TypeVAD, Status: status} }

func NewAudio(data string) Audio { return Audio{Type: TypeAudio, Data: data} }

func NewTranscript(role, text string) Transcript {
	return Transcript{Type: TypeTranscript, Role: role, Text: text}
}

func NewResponseTextDelta(text string) ResponseTextDelta {
	return ResponseTextDelta{Type: TypeResponseTextDelta, Text: text}
}

func NewResponseDone() ResponseDone { return ResponseDone{Type: TypeResponseDone} }

// NewError builds an error event; a blank message becomes "Unknown error".
func NewError(message string) ErrorEvent {
	if strings.TrimSpace(message) == "" {
		message = "Unknown error"
	}
	return ErrorEvent{Type: TypeError, Message: message}
}

func NewConnectionClosed(message string) ConnectionClosed {
	return ConnectionClosed{Type: TypeConnectionClosed, Message: message}
}

func NewStatus(status string) Status { return Status{Type: TypeStatus, Status: status} }

// ParseClientMessage decodes one inbound client frame. Frames that are not a
// JSON object with a type are ErrInvalidMessage; well-formed frames of an
// unknown kind are ErrUnsupportedType.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope: %v", ErrInvalidMessage, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}

	switch env.Type {
	case TypeAudio:
		var msg ClientAudio
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		if msg.Data == "" {
			return nil, fmt.Errorf("%w: audio without data", ErrInvalidMessage)
		}
		return msg, nil
	case TypeStop:
		return ClientStop{Type: TypeStop}, nil
	case TypeStart:
		return ClientStart{Type: TypeStart}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, env.Type)
	}
}

// TypeOf returns the discriminant of a protocol value.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case ClientAudio:
		return m.Type, true
	case ClientStop:
		return m.Type, true
	case ClientStart:
		return m.Type, true
	case Connected:
		return m.Type, true
	case ConnectionEstablished:
		return m.Type, true
	case VAD:
		return m.Type, true
	case Audio:
		return m.Type, true
	case Transcript:
		return m.Type, true
	case ResponseTextDelta:
		return m.Type, true
	case ResponseDone:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	case ConnectionClosed:
		return m.Type, true
	case Status:
		return m.Type, true
	default:
		return "", false
	}
}
