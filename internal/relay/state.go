// Package relay pairs one client leg with one upstream realtime leg and
// translates events between them.
package relay

// State is a proxy session lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateAcquiringToken
	StateOpeningUpstream
	StateAwaitingReady
	StateActive
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAcquiringToken:
		return "acquiring_token"
	case StateOpeningUpstream:
		return "opening_upstream"
	case StateAwaitingReady:
		return "awaiting_ready"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// UpstreamOpen reports whether the upstream leg exists and accepts events.
func (s State) UpstreamOpen() bool {
	return s == StateAwaitingReady || s == StateActive
}

// Terminal reports whether no further events are processed.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// Leg names one side of a session.
type Leg string

const (
	LegClient   Leg = "client"
	LegUpstream Leg = "upstream"
)
