package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antoniostano/voicerelay/internal/policy"
)

const maxProvisioningBody = 64 << 10

// AuthError reports a failed credential exchange. StatusCode is zero for
// transport and parse failures.
type AuthError struct {
	StatusCode int
	Reason     string
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("token acquisition failed: status %d: %s", e.StatusCode, e.Reason)
	}
	return "token acquisition failed: " + e.Reason
}

func (e *AuthError) Unwrap() error { return e.Err }

// ExchangerConfig configures the ephemeral session endpoint call.
type ExchangerConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Voice      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// TokenExchanger trades the long-lived service credential for one ephemeral
// session token per call. Nothing is cached.
type TokenExchanger struct {
	cfg    ExchangerConfig
	client *http.Client
}

// NewTokenExchanger defaults to the public API base URL and a 10s timeout.
func NewTokenExchanger(cfg ExchangerConfig) *TokenExchanger {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &TokenExchanger{cfg: cfg, client: client}
}

type sessionRequest struct {
	Model string `json:"model"`
	Voice string `json:"voice,omitempty"`
}

type sessionResponse struct {
	ClientSecret *struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// AcquireToken performs one provisioning round trip. No retry.
func (x *TokenExchanger) AcquireToken(ctx context.Context) (string, error) {
	body, err := json.Marshal(sessionRequest{Model: x.cfg.Model, Voice: x.cfg.Voice})
	if err != nil {
		return "", &AuthError{Reason: "encode request", Err: err}
	}

	endpoint := strings.TrimRight(x.cfg.BaseURL, "/") + "/v1/realtime/sessions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &AuthError{Reason: "build request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+x.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := x.client.Do(req)
	if err != nil {
		return "", &AuthError{Reason: x.redact("transport: " + err.Error()), Err: err}
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(res.Body, maxProvisioningBody))
	if err != nil {
		return "", &AuthError{StatusCode: res.StatusCode, Reason: "read body", Err: err}
	}
	if res.StatusCode != http.StatusOK {
		return "", &AuthError{StatusCode: res.StatusCode, Reason: x.redact(snippet(payload))}
	}

	var parsed sessionResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", &AuthError{StatusCode: res.StatusCode, Reason: "parse response", Err: err}
	}
	if parsed.ClientSecret == nil || strings.TrimSpace(parsed.ClientSecret.Value) == "" {
		return "", &AuthError{StatusCode: res.StatusCode, Reason: "response missing client_secret.value"}
	}
	token := parsed.ClientSecret.Value
	if token == x.cfg.APIKey {
		return "", &AuthError{StatusCode: res.StatusCode, Reason: "provisioning returned the service credential"}
	}
	return token, nil
}

func (x *TokenExchanger) redact(s string) string {
	return policy.Redact(s, x.cfg.APIKey)
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if s == "" {
		return "empty response body"
	}
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	return s
}
