package relay

import (
	"errors"

	"github.com/antoniostano/voicerelay/internal/policy"
	"github.com/antoniostano/voicerelay/internal/protocol"
	"github.com/antoniostano/voicerelay/internal/realtime"
)

// Drop reasons.
const (
	DropMalformed       = "malformed"
	DropUnsupported     = "unsupported"
	DropUpstreamNotOpen = "upstream_not_open"
	DropEmptyAudio      = "empty_audio"
	DropUnhandled       = "unhandled"
	DropInformational   = "informational"
	DropUnexpectedState = "unexpected_state"
)

// StatusListening acknowledges a client start message.
const StatusListening = "listening"

// Decision is the outcome of classifying one inbound frame.
type Decision struct {
	Next        State
	Kind        string
	ToClient    []any
	ToUpstream  []any
	ArmGreeting bool
	AudioIn     bool
	AudioOut    bool
	TurnDone    bool
	Drop        string
	Err         error
}

// Classify maps one inbound frame on leg, received in state, to the next
// state and the events to emit. It performs no I/O.
func Classify(state State, leg Leg, raw []byte) Decision {
	if leg == LegUpstream {
		return classifyUpstream(state, raw)
	}
	return classifyClient(state, raw)
}

func classifyClient(state State, raw []byte) Decision {
	d := Decision{Next: state}
	msg, err := protocol.ParseClientMessage(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrUnsupportedType) {
			d.Drop = DropUnsupported
			return d
		}
		d.Drop = DropMalformed
		d.Err = &MalformedEventError{Leg: LegClient, Err: err}
		return d
	}
	if t, ok := protocol.TypeOf(msg); ok {
		d.Kind = string(t)
	}

	switch m := msg.(type) {
	case protocol.ClientAudio:
		if !state.UpstreamOpen() {
			d.Drop = DropUpstreamNotOpen
			return d
		}
		d.ToUpstream = []any{realtime.NewAudioAppend(m.Data)}
		d.AudioIn = true
	case protocol.ClientStop:
		if !state.UpstreamOpen() {
			d.Drop = DropUpstreamNotOpen
			return d
		}
		d.ToUpstream = []any{realtime.NewAudioCommit()}
	case protocol.ClientStart:
		d.ToClient = []any{protocol.NewStatus(StatusListening)}
	}
	return d
}

func classifyUpstream(state State, raw []byte) Decision {
	d := Decision{Next: state}
	ev, err := realtime.ParseServerEvent(raw)
	if err != nil {
		d.Drop = DropMalformed
		d.Err = &MalformedEventError{Leg: LegUpstream, Err: err}
		return d
	}
	d.Kind = ev.Type
	if !state.UpstreamOpen() {
		d.Drop = DropUnexpectedState
		return d
	}

	switch ev.Type {
	case realtime.EventSessionUpdated:
		if state == StateAwaitingReady {
			d.Next = StateActive
			d.ArmGreeting = true
			return d
		}
		d.Drop = DropInformational
	case realtime.EventSessionCreated:
		d.Drop = DropInformational
	case realtime.EventSpeechStarted:
		d.ToClient = []any{protocol.NewVAD(protocol.VADSpeaking)}
	case realtime.EventSpeechStopped:
		d.ToClient = []any{protocol.NewVAD(protocol.VADSilent)}
	case realtime.EventAudioDelta, realtime.EventOutputAudioDelta:
		if ev.Delta == "" {
			d.Drop = DropEmptyAudio
			return d
		}
		d.ToClient = []any{protocol.NewAudio(ev.Delta)}
		d.AudioOut = true
	case realtime.EventInputTranscriptionDone:
		d.ToClient = []any{protocol.NewTranscript(protocol.RoleUser, ev.Transcript)}
	case realtime.EventAudioTranscriptDelta, realtime.EventOutputTranscriptDelta:
		d.ToClient = []any{protocol.NewResponseTextDelta(ev.Delta)}
	case realtime.EventAudioTranscriptDone, realtime.EventOutputTranscriptDone:
		d.ToClient = []any{protocol.NewTranscript(protocol.RoleAssistant, ev.Transcript)}
	case realtime.EventResponseDone:
		d.ToClient = []any{protocol.NewResponseDone()}
		d.TurnDone = true
	case realtime.EventError:
		d.ToClient = []any{protocol.NewError(policy.Redact(ev.ErrorMessage()))}
	default:
		d.Drop = DropUnhandled
	}
	return d
}
