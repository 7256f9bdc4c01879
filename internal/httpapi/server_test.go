package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/voicerelay/internal/config"
	"github.com/antoniostano/voicerelay/internal/observability"
	"github.com/antoniostano/voicerelay/internal/realtime"
	"github.com/antoniostano/voicerelay/internal/relay"
	"github.com/antoniostano/voicerelay/internal/session"
	"github.com/antoniostano/voicerelay/internal/sessionlog"
)

const testAPIKey = "sk-test-service-key-0123456789"

func newTestMetrics() *observability.Metrics {
	return observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", time.Now().UnixNano()))
}

// provisioningServer mimics the ephemeral session endpoint.
func provisioningServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/realtime/sessions" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer "+testAPIKey {
			t.Errorf("provisioning Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts
}

// upstreamServer is a minimal realtime peer: it acknowledges session.update,
// answers response.create with one audio chunk, and transcribes appended audio.
func upstreamServer(t *testing.T, received chan<- string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer ek_test" {
			t.Errorf("upstream Authorization = %q, want ephemeral token", got)
		}
		if got := r.URL.Query().Get("model"); got != "gpt-test" {
			t.Errorf("upstream model = %q, want gpt-test", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var ev map[string]any
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			typ, _ := ev["type"].(string)
			select {
			case received <- typ:
			default:
			}
			var reply []map[string]any
			switch typ {
			case realtime.ClientEventSessionUpdate:
				reply = append(reply, map[string]any{"type": realtime.EventSessionUpdated})
			case realtime.ClientEventResponseCreate:
				reply = append(reply,
					map[string]any{"type": realtime.EventAudioDelta, "delta": "AQID"},
					map[string]any{"type": realtime.EventResponseDone},
				)
			case realtime.ClientEventAudioAppend:
				reply = append(reply, map[string]any{"type": realtime.EventInputTranscriptionDone, "transcript": "hello"})
			}
			for _, m := range reply {
				if err := conn.WriteJSON(m); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestHealthAndReady(t *testing.T) {
	srv := New(config.Config{}, Deps{Metrics: newTestMetrics()})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz request error = %v", err)
	}
	defer res.Body.Close()
	var health map[string]any
	if err := json.NewDecoder(res.Body).Decode(&health); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	if res.StatusCode != http.StatusOK || health["status"] != "ok" {
		t.Fatalf("healthz = %d %+v, want 200 ok", res.StatusCode, health)
	}

	ready, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz request error = %v", err)
	}
	defer ready.Body.Close()
	if ready.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz status without upstream = %d, want %d", ready.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestTokenDiagnostics(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantCode      int
		wantOK        bool
		wantStatus    float64
		wantRetryable bool
	}{
		{
			name:     "ok",
			status:   http.StatusOK,
			body:     `{"client_secret":{"value":"ek_test","expires_at":1}}`,
			wantCode: http.StatusOK,
			wantOK:   true,
		},
		{
			name:       "unauthorized",
			status:     http.StatusUnauthorized,
			body:       `{"error":{"message":"Incorrect API key provided: ` + testAPIKey + `"}}`,
			wantCode:   http.StatusBadGateway,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:          "rate limited",
			status:        http.StatusTooManyRequests,
			body:          `{"error":{"message":"slow down"}}`,
			wantCode:      http.StatusBadGateway,
			wantStatus:    http.StatusTooManyRequests,
			wantRetryable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prov := provisioningServer(t, tt.status, tt.body)
			tokens := realtime.NewTokenExchanger(realtime.ExchangerConfig{
				APIKey:  testAPIKey,
				BaseURL: prov.URL,
				Model:   "gpt-test",
			})
			srv := New(config.Config{OpenAIAPIKey: testAPIKey, TokenTimeout: 2 * time.Second}, Deps{
				Tokens:  tokens,
				Metrics: newTestMetrics(),
			})
			ts := httptest.NewServer(srv.Router())
			defer ts.Close()

			res, err := http.Get(ts.URL + "/v1/diagnostics/token")
			if err != nil {
				t.Fatalf("diagnostics request error = %v", err)
			}
			defer res.Body.Close()
			if res.StatusCode != tt.wantCode {
				t.Fatalf("diagnostics status = %d, want %d", res.StatusCode, tt.wantCode)
			}
			var got map[string]any
			if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
				t.Fatalf("decode diagnostics: %v", err)
			}
			if got["ok"] != tt.wantOK {
				t.Fatalf("ok = %v, want %v", got["ok"], tt.wantOK)
			}
			if tt.wantOK {
				return
			}
			if got["status_code"] != tt.wantStatus {
				t.Fatalf("status_code = %v, want %v", got["status_code"], tt.wantStatus)
			}
			retryable, _ := got["retryable"].(bool)
			if retryable != tt.wantRetryable {
				t.Fatalf("retryable = %v, want %v", retryable, tt.wantRetryable)
			}
			if msg, _ := got["error"].(string); strings.Contains(msg, testAPIKey) {
				t.Fatalf("diagnostics leaked the service credential: %q", msg)
			}
		})
	}
}

func TestRealtimeRejectsUnknownPreset(t *testing.T) {
	srv := New(config.Config{SessionPreset: realtime.DefaultPresetName}, Deps{
		Tokens: realtime.NewTokenExchanger(realtime.ExchangerConfig{APIKey: testAPIKey}),
		Upstream: relay.DialFunc(func(context.Context, string) (relay.Channel, error) {
			t.Error("Dial called for rejected request")
			return nil, nil
		}),
		Metrics: newTestMetrics(),
	})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	_, res, err := websocket.DefaultDialer.Dial(wsURL(ts.URL)+"/v1/realtime?preset=nope", nil)
	if err == nil {
		t.Fatal("Dial() error = nil, want handshake failure")
	}
	if res == nil || res.StatusCode != http.StatusBadRequest {
		t.Fatalf("handshake response = %+v, want 400", res)
	}
}

func TestRealtimeRelaysBothDirections(t *testing.T) {
	prov := provisioningServer(t, http.StatusOK, `{"client_secret":{"value":"ek_test","expires_at":1}}`)
	received := make(chan string, 16)
	upstream := upstreamServer(t, received)

	cfg := config.Config{
		OpenAIAPIKey:  testAPIKey,
		SessionPreset: realtime.DefaultPresetName,
		GreetingDelay: 10 * time.Millisecond,
	}
	sessions := session.NewManager(time.Minute)
	ledger := sessionlog.NewInMemoryStore(10)
	srv := New(cfg, Deps{
		Sessions: sessions,
		Ledger:   ledger,
		Tokens: realtime.NewTokenExchanger(realtime.ExchangerConfig{
			APIKey:  testAPIKey,
			BaseURL: prov.URL,
			Model:   "gpt-test",
		}),
		Upstream: relay.RealtimeDialer(realtime.NewDialer(realtime.DialerConfig{
			URL:   wsURL(upstream.URL) + "/v1/realtime",
			Model: "gpt-test",
		})),
		Presets: realtime.BuiltinPresets("verse"),
		Metrics: newTestMetrics(),
	})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL)+"/v1/realtime?preset=companion", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	next := func() map[string]any {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		return msg
	}

	connected := next()
	if connected["type"] != "connected" || connected["session_id"] == "" {
		t.Fatalf("first message = %+v, want connected with session_id", connected)
	}
	sessionID, _ := connected["session_id"].(string)
	if msg := next(); msg["type"] != "connection.established" {
		t.Fatalf("second message = %+v, want connection.established", msg)
	}

	// Greeting fires after session.updated.
	if msg := next(); msg["type"] != "audio" || msg["data"] != "AQID" {
		t.Fatalf("greeting audio = %+v, want audio AQID", msg)
	}
	if msg := next(); msg["type"] != "response_done" {
		t.Fatalf("after greeting = %+v, want response_done", msg)
	}

	if err := conn.WriteJSON(map[string]string{"type": "audio", "data": "AAAA"}); err != nil {
		t.Fatalf("WriteJSON(audio) error = %v", err)
	}
	if msg := next(); msg["type"] != "transcript" || msg["role"] != "user" || msg["text"] != "hello" {
		t.Fatalf("transcript = %+v, want user hello", msg)
	}

	live, err := sessions.Get(sessionID)
	if err != nil {
		t.Fatalf("sessions.Get() error = %v", err)
	}
	if live.State != relay.StateActive.String() || live.Preset != "companion" {
		t.Fatalf("live session = %+v, want active companion", live)
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	waitCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Wait(waitCtx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	ended, err := sessions.Get(sessionID)
	if err != nil {
		t.Fatalf("sessions.Get() after close error = %v", err)
	}
	if ended.Status != session.StatusEnded || ended.EndReason != relay.EndClientClosed {
		t.Fatalf("ended session = %+v, want ended client_closed", ended)
	}

	records, err := ledger.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
	rec := records[0]
	if rec.SessionID != sessionID || rec.FinalState != "closed" || !rec.GreetingSent || rec.AudioChunksIn != 1 || rec.AudioChunksOut != 1 {
		t.Fatalf("record = %+v", rec)
	}

	var order []string
	for len(received) > 0 {
		order = append(order, <-received)
	}
	want := []string{realtime.ClientEventSessionUpdate, realtime.ClientEventResponseCreate, realtime.ClientEventAudioAppend}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Fatalf("upstream received %v, want %v", order, want)
	}
}

func TestMetricsPerServerDoNotCollide(t *testing.T) {
	// Servers built back to back register their collectors under distinct namespaces.
	for i := 0; i < 3; i++ {
		_ = New(config.Config{}, Deps{Metrics: newTestMetrics()})
	}
}

func TestWaitTracksRelaySessions(t *testing.T) {
	prov := provisioningServer(t, http.StatusOK, `{"client_secret":{"value":"ek_test","expires_at":1}}`)
	upstream := upstreamServer(t, make(chan string, 16))

	srv := New(config.Config{OpenAIAPIKey: testAPIKey, SessionPreset: realtime.DefaultPresetName}, Deps{
		Tokens: realtime.NewTokenExchanger(realtime.ExchangerConfig{
			APIKey:  testAPIKey,
			BaseURL: prov.URL,
			Model:   "gpt-test",
		}),
		Upstream: relay.RealtimeDialer(realtime.NewDialer(realtime.DialerConfig{
			URL:   wsURL(upstream.URL) + "/v1/realtime",
			Model: "gpt-test",
		})),
		Metrics: newTestMetrics(),
	})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// A plain GET fails the upgrade and must not leave the counter raised.
	res, err := http.Get(ts.URL + "/v1/realtime")
	if err != nil {
		t.Fatalf("plain GET error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("plain GET status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	idleCtx, idleCancel := context.WithTimeout(context.Background(), time.Second)
	defer idleCancel()
	if err := srv.Wait(idleCtx); err != nil {
		t.Fatalf("Wait() after failed upgrade error = %v, want nil", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL)+"/v1/realtime", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var first map[string]any
	if err := conn.ReadJSON(&first); err != nil || first["type"] != "connected" {
		t.Fatalf("first message = %+v, err = %v", first, err)
	}

	busyCtx, busyCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer busyCancel()
	if err := srv.Wait(busyCtx); err != context.DeadlineExceeded {
		t.Fatalf("Wait() with live session error = %v, want %v", err, context.DeadlineExceeded)
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
	doneCtx, doneCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer doneCancel()
	if err := srv.Wait(doneCtx); err != nil {
		t.Fatalf("Wait() after close error = %v, want nil", err)
	}
}

func TestSessionEndpoints(t *testing.T) {
	sessions := session.NewManager(time.Minute)
	ledger := sessionlog.NewInMemoryStore(10)
	sessions.Register("s-1", "127.0.0.1:1", "default")
	_ = ledger.Save(context.Background(), sessionlog.Record{SessionID: "s-0", FinalState: "closed", EndReason: relay.EndClientClosed})

	srv := New(config.Config{}, Deps{Sessions: sessions, Ledger: ledger, Metrics: newTestMetrics()})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var list session.ListResponse
	getJSON(t, ts.URL+"/v1/sessions", http.StatusOK, &list)
	if list.Active != 1 || len(list.Sessions) != 1 || list.Sessions[0].ID != "s-1" {
		t.Fatalf("list = %+v, want one active s-1", list)
	}

	var one session.Session
	getJSON(t, ts.URL+"/v1/sessions/s-1", http.StatusOK, &one)
	if one.Preset != "default" {
		t.Fatalf("session preset = %q, want default", one.Preset)
	}
	getJSON(t, ts.URL+"/v1/sessions/missing", http.StatusNotFound, nil)

	var history struct {
		Records []sessionlog.Record `json:"records"`
	}
	getJSON(t, ts.URL+"/v1/sessions/history?limit=5", http.StatusOK, &history)
	if len(history.Records) != 1 || history.Records[0].SessionID != "s-0" {
		t.Fatalf("history = %+v, want [s-0]", history.Records)
	}
	getJSON(t, ts.URL+"/v1/sessions/history?limit=zero", http.StatusBadRequest, nil)
}

func TestPerfLatencyEndpoint(t *testing.T) {
	metrics := newTestMetrics()
	metrics.ObserveStage(observability.StageTokenAcquire, 120*time.Millisecond)
	srv := New(config.Config{}, Deps{Metrics: metrics})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var snap observability.StageSnapshot
	getJSON(t, ts.URL+"/v1/perf/latency", http.StatusOK, &snap)
	found := false
	for _, st := range snap.Stages {
		if st.Stage == observability.StageTokenAcquire && st.Samples == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("snapshot stages = %+v, want one token_acquire sample", snap.Stages)
	}

	res, err := http.Post(ts.URL+"/v1/perf/latency/reset", "application/json", nil)
	if err != nil {
		t.Fatalf("reset request error = %v", err)
	}
	res.Body.Close()
	if got := metrics.StageSnapshot(); len(got.Stages) != 0 {
		t.Fatalf("stages after reset = %+v, want empty", got.Stages)
	}
}

func getJSON(t *testing.T, url string, wantStatus int, out any) {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer res.Body.Close()
	if res.StatusCode != wantStatus {
		t.Fatalf("GET %s status = %d, want %d", url, res.StatusCode, wantStatus)
	}
	if out == nil {
		return
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}
