package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/antoniostano/voicerelay/internal/config"
	"github.com/antoniostano/voicerelay/internal/observability"
	"github.com/antoniostano/voicerelay/internal/policy"
	"github.com/antoniostano/voicerelay/internal/realtime"
	"github.com/antoniostano/voicerelay/internal/relay"
	"github.com/antoniostano/voicerelay/internal/session"
	"github.com/antoniostano/voicerelay/internal/sessionlog"
	"github.com/antoniostano/voicerelay/internal/wsconn"
)

const recordSaveTimeout = 5 * time.Second

// Deps are the collaborators a Server routes requests to.
type Deps struct {
	Sessions *session.Manager
	Ledger   sessionlog.Store
	Tokens   relay.TokenSource
	Upstream relay.UpstreamDialer
	Presets  realtime.Presets
	Metrics  *observability.Metrics
	Logger   *zap.Logger
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	ledger   sessionlog.Store
	tokens   relay.TokenSource
	upstream relay.UpstreamDialer
	presets  realtime.Presets
	metrics  *observability.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader

	relays sync.WaitGroup
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = session.NewManager(0)
	}
	presets := deps.Presets
	if len(presets) == 0 {
		presets = realtime.BuiltinPresets(cfg.RealtimeVoice)
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		ledger:   deps.Ledger,
		tokens:   deps.Tokens,
		upstream: deps.Upstream,
		presets:  presets,
		metrics:  deps.Metrics,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only connect from the same origin unless explicitly opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(Recovery(s.logger))
	r.Use(RequestLogger(s.logger))
	if s.cfg.AllowAnyOrigin {
		r.Use(CORS([]string{"*"}))
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Group(func(r chi.Router) {
		if s.cfg.SessionRatePerSecond > 0 {
			r.Use(RateLimiter(s.cfg.SessionRatePerSecond, s.cfg.SessionRateBurst, s.logger))
		}
		r.Get("/v1/realtime", s.handleRealtimeWS)
		r.Get("/v1/diagnostics/token", s.handleTokenDiagnostics)
	})
	r.Get("/v1/presets", s.handleListPresets)
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Post("/v1/perf/latency/reset", s.handlePerfLatencyReset)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/history", s.handleSessionHistory)
	r.Get("/v1/sessions/{id}", s.handleGetSession)

	return r
}

// Wait blocks until every relay session started by this server has finished,
// or ctx ends. http.Server.Shutdown does not track upgraded connections.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.relays.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.tokens == nil || s.upstream == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"reason": "upstream not configured",
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"ledger_store": s.ledgerMode(),
	})
}

func (s *Server) handleListPresets(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"default": s.cfg.SessionPreset,
		"presets": s.presets.Names(),
	})
}

func (s *Server) handleRealtimeWS(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil || s.upstream == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "upstream not configured")
		return
	}
	name := strings.TrimSpace(r.URL.Query().Get("preset"))
	if name == "" {
		name = s.cfg.SessionPreset
	}
	preset, ok := s.presets.Lookup(name)
	if !ok {
		respondError(w, http.StatusBadRequest, "unknown_preset", "unknown session preset: "+name)
		return
	}

	// Counted before the upgrade: once hijacked, http.Server.Shutdown stops tracking the request.
	s.relays.Add(1)
	defer s.relays.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}
	client := wsconn.New(ws, wsconn.Options{
		PingInterval:   s.cfg.WSPingInterval,
		ReadLimitBytes: s.cfg.WSReadLimitBytes,
	})

	id := uuid.NewString()
	s.sessions.Register(id, r.RemoteAddr, preset.Name)
	s.metrics.SessionOpened()

	rs, err := relay.NewSession(relay.Params{
		ID:       id,
		Client:   client,
		Tokens:   s.tokens,
		Upstream: s.upstream,
		Config: relay.Config{
			Preset:        preset.Name,
			Session:       preset.Session,
			Greeting:      preset.Greeting,
			GreetingDelay: s.cfg.GreetingDelay,
		},
		Logger:  s.logger,
		Metrics: s.metrics,
		OnStateChange: func(st relay.State) {
			_ = s.sessions.SetState(id, st.String())
		},
	})
	if err != nil {
		s.logger.Error("relay session setup failed", zap.String("session_id", id), zap.Error(err))
		_ = client.Close()
		_, _ = s.sessions.End(id, "setup_failed")
		s.metrics.SessionClosed()
		return
	}

	runErr := rs.Run(r.Context())
	stats := rs.Stats()
	_, _ = s.sessions.End(id, stats.EndReason)
	s.metrics.SessionClosed()
	s.recordSession(id, r.RemoteAddr, preset.Name, stats)

	fields := []zap.Field{
		zap.String("session_id", id),
		zap.String("end_reason", stats.EndReason),
		zap.Int("audio_in", stats.AudioIn),
		zap.Int("audio_out", stats.AudioOut),
		zap.Duration("duration", stats.EndedAt.Sub(stats.StartedAt)),
	}
	var clientGone *relay.ClientDisconnectError
	switch {
	case runErr == nil, errors.As(runErr, &clientGone):
		s.logger.Info("relay session ended", fields...)
	default:
		fields = append(fields, zap.String("error", policy.Redact(runErr.Error(), s.cfg.OpenAIAPIKey)))
		s.logger.Warn("relay session failed", fields...)
	}
}

func (s *Server) recordSession(id, remoteAddr, preset string, stats relay.Stats) {
	if s.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordSaveTimeout)
	defer cancel()
	err := s.ledger.Save(ctx, sessionlog.Record{
		SessionID:      id,
		Preset:         preset,
		RemoteAddr:     remoteAddr,
		FinalState:     stats.State.String(),
		EndReason:      stats.EndReason,
		AudioChunksIn:  stats.AudioIn,
		AudioChunksOut: stats.AudioOut,
		Malformed:      stats.Malformed,
		Dropped:        stats.Dropped,
		GreetingSent:   stats.GreetingSent,
		StartedAt:      stats.StartedAt,
		EndedAt:        stats.EndedAt,
	})
	if err != nil {
		s.logger.Warn("save session record failed", zap.String("session_id", id), zap.Error(err))
	}
}

func (s *Server) ledgerMode() string {
	switch s.ledger.(type) {
	case nil:
		return "disabled"
	case *sessionlog.PostgresStore:
		return "postgres"
	default:
		return "in-memory"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
