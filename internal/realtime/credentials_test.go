package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func provisioningServer(t *testing.T, status int, body string, seen chan<- *http.Request) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/realtime/sessions" {
			http.NotFound(w, r)
			return
		}
		var req sessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		if req.Model != "gpt-test" || req.Voice != "verse" {
			http.Error(w, "unexpected request body", http.StatusBadRequest)
			return
		}
		if seen != nil {
			seen <- r
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestExchanger(baseURL string) *TokenExchanger {
	return NewTokenExchanger(ExchangerConfig{
		APIKey:  "sk-service-credential-123",
		BaseURL: baseURL,
		Model:   "gpt-test",
		Voice:   "verse",
		Timeout: 2 * time.Second,
	})
}

func TestAcquireTokenSuccess(t *testing.T) {
	seen := make(chan *http.Request, 1)
	srv := provisioningServer(t, http.StatusOK, `{"id":"sess_1","client_secret":{"value":"ek_ephemeral_abc","expires_at":1700000000}}`, seen)

	token, err := newTestExchanger(srv.URL + "/").AcquireToken(context.Background())
	if err != nil {
		t.Fatalf("AcquireToken() error = %v", err)
	}
	if token != "ek_ephemeral_abc" {
		t.Fatalf("token = %q, want %q", token, "ek_ephemeral_abc")
	}

	req := <-seen
	if got := req.Header.Get("Authorization"); got != "Bearer sk-service-credential-123" {
		t.Fatalf("Authorization = %q, want bearer service credential", got)
	}
	if got := req.Header.Get("Content-Type"); got != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", got)
	}
}

func TestAcquireTokenNon200(t *testing.T) {
	srv := provisioningServer(t, http.StatusUnauthorized, `{"error":{"message":"Incorrect API key provided: sk-service-credential-123"}}`, nil)

	_, err := newTestExchanger(srv.URL).AcquireToken(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("error = %T %v, want *AuthError", err, err)
	}
	if authErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("StatusCode = %d, want %d", authErr.StatusCode, http.StatusUnauthorized)
	}
	if strings.Contains(authErr.Error(), "sk-service-credential-123") {
		t.Fatalf("AuthError leaks the credential: %q", authErr.Error())
	}
}

func TestAcquireTokenBadBodies(t *testing.T) {
	cases := map[string]string{
		"not json":        `<html>oops</html>`,
		"missing secret":  `{"id":"sess_1"}`,
		"empty value":     `{"client_secret":{"value":""}}`,
		"echo credential": `{"client_secret":{"value":"sk-service-credential-123"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := provisioningServer(t, http.StatusOK, body, nil)
			token, err := newTestExchanger(srv.URL).AcquireToken(context.Background())
			var authErr *AuthError
			if !errors.As(err, &authErr) {
				t.Fatalf("error = %v, want *AuthError", err)
			}
			if token != "" {
				t.Fatalf("token = %q, want empty on failure", token)
			}
		})
	}
}

func TestAcquireTokenTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestExchanger(url).AcquireToken(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("error = %v, want *AuthError", err)
	}
	if authErr.StatusCode != 0 {
		t.Fatalf("StatusCode = %d, want 0 for transport failure", authErr.StatusCode)
	}
	if authErr.Unwrap() == nil {
		t.Fatalf("Unwrap() = nil, want transport cause")
	}
}
