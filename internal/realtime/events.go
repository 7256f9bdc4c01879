package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event kinds: server events the relay consumes, then client events it sends upstream.
const (
	EventSessionCreated         = "session.created"
	EventSessionUpdated         = "session.updated"
	EventSpeechStarted          = "input_audio_buffer.speech_started"
	EventSpeechStopped          = "input_audio_buffer.speech_stopped"
	EventAudioDelta             = "response.audio.delta"
	EventOutputAudioDelta       = "response.output_audio.delta"
	EventInputTranscriptionDone = "conversation.item.input_audio_transcription.completed"
	EventAudioTranscriptDelta   = "response.audio_transcript.delta"
	EventAudioTranscriptDone    = "response.audio_transcript.done"
	EventOutputTranscriptDelta  = "response.output_audio_transcript.delta"
	EventOutputTranscriptDone   = "response.output_audio_transcript.done"
	EventResponseDone           = "response.done"
	EventError                  = "error"
	ClientEventSessionUpdate    = "session.update"
	ClientEventResponseCreate   = "response.create"
	ClientEventAudioAppend      = "input_audio_buffer.append"
	ClientEventAudioCommit      = "input_audio_buffer.commit"
)

var ErrMalformedEvent = errors.New("malformed upstream event")

// ServerEvent is the union of the upstream fields the relay reads.
type ServerEvent struct {
	Type       string       `json:"type"`
	EventID    string       `json:"event_id,omitempty"`
	Delta      string       `json:"delta,omitempty"`
	Transcript string       `json:"transcript"`
	Error      *ServerError `json:"error,omitempty"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

func ParseServerEvent(raw []byte) (ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ServerEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.Type == "" {
		return ServerEvent{}, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	return ev, nil
}

// ErrorMessage returns the provider-supplied error text, if any.
func (e ServerEvent) ErrorMessage() string {
	if e.Error == nil {
		return ""
	}
	return e.Error.Message
}

// Client events sent upstream.

type SessionUpdate struct {
	Type    string      `json:"type"`
	Session SessionWire `json:"session"`
}

type SessionWire struct {
	Modalities              []string                `json:"modalities"`
	Instructions            string                  `json:"instructions,omitempty"`
	Voice                   string                  `json:"voice,omitempty"`
	InputAudioFormat        string                  `json:"input_audio_format"`
	OutputAudioFormat       string                  `json:"output_audio_format"`
	InputAudioTranscription *InputTranscriptionWire `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetectionWire      `json:"turn_detection,omitempty"`
	Temperature             float64                 `json:"temperature,omitempty"`
	MaxResponseOutputTokens int                     `json:"max_response_output_tokens,omitempty"`
}

type InputTranscriptionWire struct {
	Model string `json:"model"`
}

type TurnDetectionWire struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMS   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMS int     `json:"silence_duration_ms,omitempty"`
}

type ResponseCreate struct {
	Type     string         `json:"type"`
	Response ResponseParams `json:"response"`
}

type ResponseParams struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

type AudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type AudioCommit struct {
	Type string `json:"type"`
}

func NewSessionUpdate(cfg SessionConfig) SessionUpdate {
	wire := SessionWire{
		Modalities:              append([]string(nil), cfg.Modalities...),
		Instructions:            cfg.Instructions,
		Voice:                   cfg.Voice,
		InputAudioFormat:        cfg.InputAudioFormat,
		OutputAudioFormat:       cfg.OutputAudioFormat,
		Temperature:             cfg.Temperature,
		MaxResponseOutputTokens: cfg.MaxResponseOutputTokens,
	}
	if cfg.TranscriptionModel != "" {
		wire.InputAudioTranscription = &InputTranscriptionWire{Model: cfg.TranscriptionModel}
	}
	if cfg.TurnDetection.Type != "" {
		td := cfg.TurnDetection
		wire.TurnDetection = &TurnDetectionWire{
			Type:              td.Type,
			Threshold:         td.Threshold,
			PrefixPaddingMS:   td.PrefixPaddingMS,
			SilenceDurationMS: td.SilenceDurationMS,
		}
	}
	return SessionUpdate{Type: ClientEventSessionUpdate, Session: wire}
}

// NewResponseCreate asks the upstream to generate one response with the
// given instructions.
func NewResponseCreate(modalities []string, instructions string) ResponseCreate {
	return ResponseCreate{
		Type: ClientEventResponseCreate,
		Response: ResponseParams{
			Modalities:   append([]string(nil), modalities...),
			Instructions: instructions,
		},
	}
}

func NewAudioAppend(audio string) AudioAppend {
	return AudioAppend{Type: ClientEventAudioAppend, Audio: audio}
}

func NewAudioCommit() AudioCommit { return AudioCommit{Type: ClientEventAudioCommit} }

// KindOf returns the type discriminant of an upstream-bound event.
func KindOf(v any) (string, bool) {
	switch m := v.(type) {
	case SessionUpdate:
		return m.Type, true
	case ResponseCreate:
		return m.Type, true
	case AudioAppend:
		return m.Type, true
	case AudioCommit:
		return m.Type, true
	default:
		return "", false
	}
}
