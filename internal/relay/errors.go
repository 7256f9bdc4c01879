package relay

import "fmt"

// UpstreamConnectError reports that the upstream leg failed to open or
// failed after opening.
type UpstreamConnectError struct {
	Err error
}

func (e *UpstreamConnectError) Error() string {
	return fmt.Sprintf("upstream connection failed: %v", e.Err)
}

func (e *UpstreamConnectError) Unwrap() error { return e.Err }

// UpstreamClosedError reports that the upstream ended the session, even
// cleanly.
type UpstreamClosedError struct {
	Reason string
	Err    error
}

func (e *UpstreamClosedError) Error() string {
	return fmt.Sprintf("upstream closed (%s)", e.Reason)
}

func (e *UpstreamClosedError) Unwrap() error { return e.Err }

// MalformedEventError is recovered locally: the frame is dropped and the
// session continues.
type MalformedEventError struct {
	Leg Leg
	Err error
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %s event: %v", e.Leg, e.Err)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// ClientDisconnectError reports that the client leg closed or failed.
type ClientDisconnectError struct {
	Reason string
	Err    error
}

func (e *ClientDisconnectError) Error() string {
	return fmt.Sprintf("client disconnected (%s)", e.Reason)
}

func (e *ClientDisconnectError) Unwrap() error { return e.Err }
