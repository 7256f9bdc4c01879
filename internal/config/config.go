package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrMissingAPIKey is returned by Load when the service credential is not configured.
var ErrMissingAPIKey = errors.New("OPENAI_API_KEY is required")

// Config contains all runtime settings for the realtime voice relay.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	AllowAnyOrigin   bool
	WSPingInterval   time.Duration
	WSReadLimitBytes int64

	// OpenAIAPIKey is the long-lived service credential. It is only ever sent to
	// the provisioning endpoint, never to clients.
	OpenAIAPIKey        string
	OpenAIBaseURL       string
	RealtimeURL         string
	RealtimeModel       string
	RealtimeVoice       string
	TokenTimeout        time.Duration
	UpstreamDialTimeout time.Duration

	GreetingDelay      time.Duration
	SessionPreset      string
	SessionPresetsFile string
	SessionRetention   time.Duration

	// SessionRatePerSecond limits new relay sessions per client IP. Zero disables the limit.
	SessionRatePerSecond float64
	SessionRateBurst     int

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            bindAddrFromEnv(),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "voicerelay"),
		LogLevel:            strings.ToLower(envOrDefault("APP_LOG_LEVEL", "info")),
		LogFormat:           strings.ToLower(envOrDefault("APP_LOG_FORMAT", "json")),
		AllowAnyOrigin:      false,
		OpenAIAPIKey:        stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:       envOrDefault("OPENAI_BASE_URL", "https://api.openai.com"),
		RealtimeURL:         envOrDefault("OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel:       envOrDefault("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview-2024-12-17"),
		RealtimeVoice:       envOrDefault("OPENAI_REALTIME_VOICE", "alloy"),
		SessionPreset:       envOrDefault("APP_SESSION_PRESET", "default"),
		SessionPresetsFile:  stringsTrimSpace("APP_SESSION_PRESETS_FILE"),
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:     15 * time.Second,
		TokenTimeout:        10 * time.Second,
		UpstreamDialTimeout: 10 * time.Second,
		GreetingDelay:       500 * time.Millisecond,
		WSPingInterval:      20 * time.Second,
		SessionRetention:    2 * time.Minute,
		SessionRateBurst:    5,
	}
	if cfg.OpenAIAPIKey == "" {
		return Config{}, ErrMissingAPIKey
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TokenTimeout, err = durationFromEnv("APP_TOKEN_TIMEOUT", cfg.TokenTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.UpstreamDialTimeout, err = durationFromEnv("APP_UPSTREAM_DIAL_TIMEOUT", cfg.UpstreamDialTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.GreetingDelay, err = durationFromEnv("APP_GREETING_DELAY", cfg.GreetingDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.WSPingInterval, err = durationFromEnv("APP_WS_PING_INTERVAL", cfg.WSPingInterval)
	if err != nil {
		return Config{}, err
	}
	readLimit, err := intFromEnv("APP_WS_READ_LIMIT", 0)
	if err != nil {
		return Config{}, err
	}
	cfg.WSReadLimitBytes = int64(readLimit)
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionRetention, err = durationFromEnv("APP_SESSION_RETENTION", cfg.SessionRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionRatePerSecond, err = floatFromEnv("APP_SESSION_RATE", cfg.SessionRatePerSecond)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionRateBurst, err = intFromEnv("APP_SESSION_BURST", cfg.SessionRateBurst)
	if err != nil {
		return Config{}, err
	}

	if cfg.TokenTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_TOKEN_TIMEOUT must be positive")
	}
	if cfg.UpstreamDialTimeout <= 0 {
		return Config{}, fmt.Errorf("APP_UPSTREAM_DIAL_TIMEOUT must be positive")
	}
	if cfg.GreetingDelay < 0 {
		return Config{}, fmt.Errorf("APP_GREETING_DELAY must be >= 0")
	}
	if cfg.WSPingInterval < 0 {
		return Config{}, fmt.Errorf("APP_WS_PING_INTERVAL must be >= 0")
	}
	if cfg.WSReadLimitBytes < 0 {
		return Config{}, fmt.Errorf("APP_WS_READ_LIMIT must be >= 0")
	}
	if cfg.SessionRetention <= 0 {
		return Config{}, fmt.Errorf("APP_SESSION_RETENTION must be positive")
	}
	if cfg.SessionRatePerSecond < 0 {
		return Config{}, fmt.Errorf("APP_SESSION_RATE must be >= 0")
	}
	if cfg.SessionRateBurst < 1 {
		return Config{}, fmt.Errorf("APP_SESSION_BURST must be >= 1")
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		return Config{}, fmt.Errorf("invalid APP_LOG_FORMAT: %q (expected json|console)", cfg.LogFormat)
	}

	return cfg, nil
}

// bindAddrFromEnv prefers an explicit APP_BIND_ADDR, then PORT.
func bindAddrFromEnv() string {
	if addr := stringsTrimSpace("APP_BIND_ADDR"); addr != "" {
		return addr
	}
	port := envOrDefault("PORT", "8080")
	return ":" + strings.TrimPrefix(strings.TrimSpace(port), ":")
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: invalid boolean %q", key, v)
	}
}
