package relay

import (
	"context"

	"github.com/antoniostano/voicerelay/internal/realtime"
)

// Channel is one duplex leg. ReadMessage is called from a single goroutine;
// WriteJSON and Close may be called from another.
type Channel interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close() error
}

// TokenSource yields one ephemeral upstream token per call.
type TokenSource interface {
	AcquireToken(ctx context.Context) (string, error)
}

// UpstreamDialer opens the upstream leg with an ephemeral token.
type UpstreamDialer interface {
	Dial(ctx context.Context, token string) (Channel, error)
}

// DialFunc adapts a function to UpstreamDialer.
type DialFunc func(ctx context.Context, token string) (Channel, error)

func (f DialFunc) Dial(ctx context.Context, token string) (Channel, error) {
	return f(ctx, token)
}

// RealtimeDialer adapts a realtime.Dialer to UpstreamDialer.
func RealtimeDialer(d *realtime.Dialer) UpstreamDialer {
	return DialFunc(func(ctx context.Context, token string) (Channel, error) {
		conn, err := d.Dial(ctx, token)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}
