package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/voicerelay/internal/policy"
	"github.com/antoniostano/voicerelay/internal/realtime"
	"github.com/antoniostano/voicerelay/internal/reliability"
)

type tokenDiagnostics struct {
	OK         bool   `json:"ok"`
	LatencyMS  int64  `json:"latency_ms"`
	Error      string `json:"error,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
}

// handleTokenDiagnostics performs one credential exchange and reports the
// outcome. The token itself is discarded.
func (s *Server) handleTokenDiagnostics(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "upstream not configured")
		return
	}
	ctx := r.Context()
	if s.cfg.TokenTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TokenTimeout)
		defer cancel()
	}

	start := time.Now()
	_, err := s.tokens.AcquireToken(ctx)
	took := time.Since(start)
	if err != nil {
		s.metrics.ObserveTokenRequest("error", took)
		resp := tokenDiagnostics{
			LatencyMS: took.Milliseconds(),
			Error:     policy.Redact(err.Error(), s.cfg.OpenAIAPIKey),
			Retryable: true,
		}
		var authErr *realtime.AuthError
		if errors.As(err, &authErr) && authErr.StatusCode != 0 {
			resp.StatusCode = authErr.StatusCode
			resp.Retryable = reliability.IsRetryableHTTPStatus(authErr.StatusCode)
		}
		s.logger.Warn("token diagnostics failed",
			zap.Int("status_code", resp.StatusCode),
			zap.String("error", resp.Error),
		)
		respondJSON(w, http.StatusBadGateway, resp)
		return
	}
	s.metrics.ObserveTokenRequest("ok", took)
	respondJSON(w, http.StatusOK, tokenDiagnostics{OK: true, LatencyMS: took.Milliseconds()})
}
