package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/live-relay/pkg/gateway/apierror"
)

// DefaultUpstreamURL is the Gemini Live bidirectional streaming endpoint.
const DefaultUpstreamURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

const DefaultPort = "3001"

const CloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

type CredentialMode string

const (
	CredentialModeServiceAccount CredentialMode = "service_account"
	CredentialModeAPIKey         CredentialMode = "api_key"
)

type Config struct {
	Addr string

	// Upstream endpoint and credentials. Exactly one credential mode is active
	// per process; it is decided here and never per session.
	UpstreamURL              string
	CredentialMode           CredentialMode
	APIKey                   string
	APIKeyParam              string
	CredentialsFile          string
	OAuthScopes              []string
	TokenCache               bool
	TokenRefreshSkew         time.Duration
	TokenTimeout             time.Duration
	UpstreamHandshakeTimeout time.Duration

	// Re-type upstream binary frames as text for clients that JSON.parse
	// every message. Off by default so frame types are preserved.
	UpstreamBinaryAsText bool

	// Inbound connection policy.
	AllowedOrigins    map[string]struct{} // empty => any origin
	TrustProxyHeaders bool
	ClientJWTSecret   string
	ClientJWTIssuer   string
	ClientJWTAudience string
	ClientTokenParam  string

	// Session knobs. Zero disables each of them.
	MaxSessions          int
	MaxSessionsPerClient int
	AcceptRPS            float64
	AcceptBurst          int
	IdleTimeout          time.Duration
	WSWriteTimeout       time.Duration
	WSPingInterval       time.Duration
	MaxMessageBytes      int64
	CloseTimeout         time.Duration

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
	LogLevel            slog.Level
	LogFormat           string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                     envOr("RELAY_ADDR", ":"+envOr("PROXY_SERVER_PORT", DefaultPort)),
		UpstreamURL:              envOr("RELAY_UPSTREAM_URL", DefaultUpstreamURL),
		APIKeyParam:              envOr("RELAY_UPSTREAM_KEY_PARAM", "key"),
		CredentialsFile:          strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")),
		OAuthScopes:              splitCSV(envOr("RELAY_OAUTH_SCOPES", CloudPlatformScope)),
		TokenCache:               envBoolOr("RELAY_TOKEN_CACHE", false),
		TokenRefreshSkew:         envDurationOr("RELAY_TOKEN_REFRESH_SKEW", 5*time.Minute),
		TokenTimeout:             envDurationOr("RELAY_TOKEN_TIMEOUT", 10*time.Second),
		UpstreamHandshakeTimeout: envDurationOr("RELAY_UPSTREAM_HANDSHAKE_TIMEOUT", 10*time.Second),
		UpstreamBinaryAsText:     envBoolOr("RELAY_UPSTREAM_BINARY_AS_TEXT", false),
		AllowedOrigins:           make(map[string]struct{}),
		TrustProxyHeaders:        envBoolOr("RELAY_TRUST_PROXY_HEADERS", false),
		ClientJWTSecret:          strings.TrimSpace(os.Getenv("RELAY_CLIENT_JWT_SECRET")),
		ClientJWTIssuer:          strings.TrimSpace(os.Getenv("RELAY_CLIENT_JWT_ISSUER")),
		ClientJWTAudience:        strings.TrimSpace(os.Getenv("RELAY_CLIENT_JWT_AUDIENCE")),
		ClientTokenParam:         envOr("RELAY_CLIENT_TOKEN_PARAM", "token"),
		MaxSessions:              envIntOr("RELAY_MAX_SESSIONS", 0),
		MaxSessionsPerClient:     envIntOr("RELAY_MAX_SESSIONS_PER_CLIENT", 0),
		AcceptRPS:                envFloat64Or("RELAY_ACCEPT_RPS", 0),
		AcceptBurst:              envIntOr("RELAY_ACCEPT_BURST", 0),
		IdleTimeout:              envDurationOr("RELAY_IDLE_TIMEOUT", 0),
		WSWriteTimeout:           envDurationOr("RELAY_WS_WRITE_TIMEOUT", 0),
		WSPingInterval:           envDurationOr("RELAY_WS_PING_INTERVAL", 0),
		MaxMessageBytes:          envInt64Or("RELAY_MAX_MESSAGE_BYTES", 16<<20), // 16 MiB
		CloseTimeout:             envDurationOr("RELAY_CLOSE_TIMEOUT", 2*time.Second),
		ReadHeaderTimeout:        envDurationOr("RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:      envDurationOr("RELAY_SHUTDOWN_GRACE_PERIOD", 5*time.Second),
		LogFormat:                strings.ToLower(envOr("RELAY_LOG_FORMAT", "text")),
	}

	// API_KEY is preferred; GOOGLE_GEMINI_API_KEY is the legacy fallback.
	cfg.APIKey = envOr("API_KEY", strings.TrimSpace(os.Getenv("GOOGLE_GEMINI_API_KEY")))

	switch {
	case cfg.CredentialsFile != "":
		cfg.CredentialMode = CredentialModeServiceAccount
	case cfg.APIKey != "":
		cfg.CredentialMode = CredentialModeAPIKey
	default:
		return Config{}, apierror.ErrNoCredentials
	}

	for _, origin := range splitCSV(os.Getenv("RELAY_ALLOWED_ORIGINS")) {
		cfg.AllowedOrigins[origin] = struct{}{}
	}

	level, err := parseLogLevel(envOr("RELAY_LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}
	cfg.LogLevel = level

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks a fully populated Config. LoadFromEnv calls it; tests that
// build a Config by hand can call it too.
func (cfg Config) Validate() error {
	switch cfg.CredentialMode {
	case CredentialModeServiceAccount:
		if strings.TrimSpace(cfg.CredentialsFile) == "" {
			return apierror.ErrNoCredentials
		}
	case CredentialModeAPIKey:
		if strings.TrimSpace(cfg.APIKey) == "" {
			return apierror.ErrNoCredentials
		}
	default:
		return apierror.ErrNoCredentials
	}

	u, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return fmt.Errorf("RELAY_UPSTREAM_URL is invalid: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("RELAY_UPSTREAM_URL must use ws:// or wss://")
	}
	if u.Host == "" {
		return fmt.Errorf("RELAY_UPSTREAM_URL must include a host")
	}
	if strings.TrimSpace(cfg.APIKeyParam) == "" {
		return fmt.Errorf("RELAY_UPSTREAM_KEY_PARAM must not be empty")
	}
	if cfg.CredentialMode == CredentialModeServiceAccount && len(cfg.OAuthScopes) == 0 {
		return fmt.Errorf("RELAY_OAUTH_SCOPES must not be empty")
	}
	if strings.TrimSpace(cfg.Addr) == "" || strings.TrimSpace(cfg.Addr) == ":" {
		return fmt.Errorf("RELAY_ADDR must not be empty")
	}
	if cfg.TokenTimeout <= 0 {
		return fmt.Errorf("RELAY_TOKEN_TIMEOUT must be > 0")
	}
	if cfg.TokenRefreshSkew < 0 {
		return fmt.Errorf("RELAY_TOKEN_REFRESH_SKEW must be >= 0")
	}
	if cfg.UpstreamHandshakeTimeout <= 0 {
		return fmt.Errorf("RELAY_UPSTREAM_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.MaxSessions < 0 {
		return fmt.Errorf("RELAY_MAX_SESSIONS must be >= 0")
	}
	if cfg.MaxSessionsPerClient < 0 {
		return fmt.Errorf("RELAY_MAX_SESSIONS_PER_CLIENT must be >= 0")
	}
	if cfg.AcceptRPS < 0 {
		return fmt.Errorf("RELAY_ACCEPT_RPS must be >= 0")
	}
	if cfg.AcceptBurst < 0 {
		return fmt.Errorf("RELAY_ACCEPT_BURST must be >= 0")
	}
	if cfg.AcceptRPS > 0 && cfg.AcceptBurst < 1 {
		return fmt.Errorf("RELAY_ACCEPT_BURST must be >= 1 when RELAY_ACCEPT_RPS is set")
	}
	if cfg.IdleTimeout < 0 {
		return fmt.Errorf("RELAY_IDLE_TIMEOUT must be >= 0")
	}
	if cfg.WSWriteTimeout < 0 {
		return fmt.Errorf("RELAY_WS_WRITE_TIMEOUT must be >= 0")
	}
	if cfg.WSPingInterval < 0 {
		return fmt.Errorf("RELAY_WS_PING_INTERVAL must be >= 0")
	}
	if cfg.MaxMessageBytes < 0 {
		return fmt.Errorf("RELAY_MAX_MESSAGE_BYTES must be >= 0")
	}
	if cfg.CloseTimeout <= 0 {
		return fmt.Errorf("RELAY_CLOSE_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	switch cfg.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("RELAY_LOG_FORMAT must be one of text|json")
	}
	return nil
}

// RedactedUpstreamURL is safe to log: the API key parameter is masked.
func (cfg Config) RedactedUpstreamURL() string {
	return RedactURL(cfg.UpstreamURL, cfg.APIKeyParam)
}

func RedactURL(raw, param string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	if q.Has(param) {
		q.Set(param, "REDACTED")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("RELAY_LOG_LEVEL must be one of debug|info|warn|error")
	}
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
