package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/voicerelay/internal/config"
	"github.com/antoniostano/voicerelay/internal/httpapi"
	"github.com/antoniostano/voicerelay/internal/observability"
	"github.com/antoniostano/voicerelay/internal/realtime"
	"github.com/antoniostano/voicerelay/internal/relay"
	"github.com/antoniostano/voicerelay/internal/session"
	"github.com/antoniostano/voicerelay/internal/sessionlog"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("config error: %v", err)
		return 1
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Printf("logger init failed: %v", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	presets, err := realtime.LoadPresets(cfg.SessionPresetsFile, realtime.BuiltinPresets(cfg.RealtimeVoice))
	if err != nil {
		logger.Error("session presets invalid", zap.Error(err))
		return 1
	}
	if _, ok := presets.Lookup(cfg.SessionPreset); !ok {
		logger.Error("default session preset not found",
			zap.String("preset", cfg.SessionPreset),
			zap.Strings("available", presets.Names()),
		)
		return 1
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ledger, err := sessionlog.NewStore(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Error("session ledger init failed", zap.Error(err))
		return 1
	}
	defer ledger.Close()

	tokens := realtime.NewTokenExchanger(realtime.ExchangerConfig{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.RealtimeModel,
		Voice:   cfg.RealtimeVoice,
		Timeout: cfg.TokenTimeout,
	})
	dialer := realtime.NewDialer(realtime.DialerConfig{
		URL:              cfg.RealtimeURL,
		Model:            cfg.RealtimeModel,
		HandshakeTimeout: cfg.UpstreamDialTimeout,
		ReadLimitBytes:   cfg.WSReadLimitBytes,
	})

	sessions := session.NewManager(cfg.SessionRetention)
	sessions.SetPruneHook(func(s *session.Session) {
		logger.Debug("session pruned", zap.String("session_id", s.ID), zap.String("end_reason", s.EndReason))
	})

	api := httpapi.New(cfg, httpapi.Deps{
		Sessions: sessions,
		Ledger:   ledger,
		Tokens:   tokens,
		Upstream: relay.RealtimeDialer(dialer),
		Presets:  presets,
		Metrics:  metrics,
		Logger:   logger,
	})

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	httpServer := &http.Server{
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Relay sessions inherit runCtx so shutdown reaches upgraded connections.
		BaseContext: func(net.Listener) context.Context { return runCtx },
	}

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		logger.Error("listen failed", zap.String("addr", cfg.BindAddr), zap.Error(err))
		return 1
	}
	logger.Info("server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("default_preset", cfg.SessionPreset),
		zap.Strings("presets", presets.Names()),
	)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(sigCtx, httpServer, ln, server{api: api, cancelRelays: runCancel}, cfg.ShutdownTimeout, logger); err != nil {
		logger.Error("server stopped", zap.Error(err), zap.Int("active_sessions", sessions.ActiveCount()))
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// server bundles what serve needs to drain relay sessions.
type server struct {
	api          interface{ Wait(context.Context) error }
	cancelRelays context.CancelFunc
}

// serve runs httpServer on ln until ctx ends or the listener fails, then
// cancels relay sessions and waits for them up to shutdownTimeout.
func serve(ctx context.Context, httpServer *http.Server, ln net.Listener, srv server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(ln)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}

	srv.cancelRelays()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		_ = httpServer.Close()
	}
	if err := srv.api.Wait(shutdownCtx); err != nil {
		logger.Warn("relay sessions still running at shutdown deadline", zap.Error(err))
	}
	return runErr
}
