package reliability

import (
	"errors"
	"io"
	"net"

	"github.com/gorilla/websocket"
)

// Close reasons reported for a terminated websocket leg.
const (
	CloseNormal    = "normal"
	CloseGoingAway = "going_away"
	CloseAbnormal  = "abnormal"
	CloseError     = "error"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// CloseReason classifies the error that ended a websocket read loop.
func CloseReason(err error) string {
	if err == nil {
		return CloseNormal
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseNoStatusReceived:
			return CloseNormal
		case websocket.CloseGoingAway:
			return CloseGoingAway
		default:
			return CloseAbnormal
		}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return CloseAbnormal
	}
	return CloseError
}

// IsCleanClose reports whether the peer ended the connection with a close frame
// rather than a transport failure.
func IsCleanClose(err error) bool {
	switch CloseReason(err) {
	case CloseNormal, CloseGoingAway:
		return true
	default:
		var ce *websocket.CloseError
		return errors.As(err, &ce)
	}
}
