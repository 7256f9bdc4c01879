package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antoniostano/voicerelay/internal/wsconn"
)

// DialerConfig configures the upstream websocket handshake.
type DialerConfig struct {
	URL              string
	Model            string
	HandshakeTimeout time.Duration
	ReadLimitBytes   int64
}

// Dialer opens the upstream streaming leg with an ephemeral token.
type Dialer struct {
	cfg DialerConfig
}

// NewDialer fills in the public endpoint and a 10s handshake timeout when unset.
func NewDialer(cfg DialerConfig) *Dialer {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = "wss://api.openai.com/v1/realtime"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Dialer{cfg: cfg}
}

func (d *Dialer) Dial(ctx context.Context, token string) (*wsconn.Conn, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("dial realtime websocket: empty token")
	}
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	if d.cfg.Model != "" {
		q := u.Query()
		q.Set("model", d.cfg.Model)
		u.RawQuery = q.Encode()
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, err := wsconn.Dial(ctx, u.String(), headers, wsconn.DialOptions{
		HandshakeTimeout: d.cfg.HandshakeTimeout,
		Conn:             wsconn.Options{ReadLimitBytes: d.cfg.ReadLimitBytes},
	})
	if err != nil {
		return nil, fmt.Errorf("dial realtime websocket: %w", err)
	}
	return conn, nil
}
