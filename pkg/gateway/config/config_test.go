package config

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/live-relay/pkg/gateway/apierror"
)

var relayEnvKeys = []string{
	"PROXY_SERVER_PORT",
	"API_KEY",
	"GOOGLE_GEMINI_API_KEY",
	"GOOGLE_APPLICATION_CREDENTIALS",
	"RELAY_ADDR",
	"RELAY_UPSTREAM_URL",
	"RELAY_UPSTREAM_KEY_PARAM",
	"RELAY_OAUTH_SCOPES",
	"RELAY_TOKEN_CACHE",
	"RELAY_TOKEN_REFRESH_SKEW",
	"RELAY_TOKEN_TIMEOUT",
	"RELAY_UPSTREAM_HANDSHAKE_TIMEOUT",
	"RELAY_UPSTREAM_BINARY_AS_TEXT",
	"RELAY_ALLOWED_ORIGINS",
	"RELAY_TRUST_PROXY_HEADERS",
	"RELAY_CLIENT_JWT_SECRET",
	"RELAY_CLIENT_JWT_ISSUER",
	"RELAY_CLIENT_JWT_AUDIENCE",
	"RELAY_CLIENT_TOKEN_PARAM",
	"RELAY_MAX_SESSIONS",
	"RELAY_MAX_SESSIONS_PER_CLIENT",
	"RELAY_ACCEPT_RPS",
	"RELAY_ACCEPT_BURST",
	"RELAY_IDLE_TIMEOUT",
	"RELAY_WS_WRITE_TIMEOUT",
	"RELAY_WS_PING_INTERVAL",
	"RELAY_MAX_MESSAGE_BYTES",
	"RELAY_CLOSE_TIMEOUT",
	"RELAY_READ_HEADER_TIMEOUT",
	"RELAY_SHUTDOWN_GRACE_PERIOD",
	"RELAY_LOG_LEVEL",
	"RELAY_LOG_FORMAT",
}

func clearRelayEnv(t *testing.T) {
	t.Helper()
	for _, key := range relayEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv_NoCredentialsIsStartupError(t *testing.T) {
	clearRelayEnv(t)

	_, err := LoadFromEnv()
	if err == nil {
		t.Fatalf("expected error without credentials")
	}
	if !errors.Is(err, apierror.ErrNoCredentials) {
		t.Fatalf("err=%v, want ErrNoCredentials", err)
	}
	if !apierror.IsFatal(err) {
		t.Fatalf("expected fatal startup error")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("API_KEY", "k-test")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Addr != ":3001" {
		t.Fatalf("Addr = %q, want :3001", cfg.Addr)
	}
	if cfg.UpstreamURL != DefaultUpstreamURL {
		t.Fatalf("UpstreamURL = %q", cfg.UpstreamURL)
	}
	if cfg.CredentialMode != CredentialModeAPIKey {
		t.Fatalf("CredentialMode = %q, want %q", cfg.CredentialMode, CredentialModeAPIKey)
	}
	if cfg.APIKeyParam != "key" {
		t.Fatalf("APIKeyParam = %q, want key", cfg.APIKeyParam)
	}
	if cfg.UpstreamHandshakeTimeout != 10*time.Second {
		t.Fatalf("UpstreamHandshakeTimeout = %v, want 10s", cfg.UpstreamHandshakeTimeout)
	}
	if cfg.TokenCache {
		t.Fatalf("TokenCache = true, want false")
	}
	if cfg.UpstreamBinaryAsText {
		t.Fatalf("UpstreamBinaryAsText = true, want false")
	}
	if cfg.IdleTimeout != 0 || cfg.WSWriteTimeout != 0 || cfg.WSPingInterval != 0 {
		t.Fatalf("session timeouts should default to disabled, got idle=%v write=%v ping=%v", cfg.IdleTimeout, cfg.WSWriteTimeout, cfg.WSPingInterval)
	}
	if cfg.MaxSessions != 0 || cfg.MaxSessionsPerClient != 0 {
		t.Fatalf("session caps should default to disabled")
	}
	if cfg.MaxMessageBytes != 16<<20 {
		t.Fatalf("MaxMessageBytes = %d, want %d", cfg.MaxMessageBytes, int64(16<<20))
	}
	if cfg.ShutdownGracePeriod != 5*time.Second {
		t.Fatalf("ShutdownGracePeriod = %v, want 5s", cfg.ShutdownGracePeriod)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v, want info", cfg.LogLevel)
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Fatalf("AllowedOrigins = %v, want empty", cfg.AllowedOrigins)
	}
}

func TestLoadFromEnv_PortFallbackAndAddrOverride(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("API_KEY", "k-test")
	t.Setenv("PROXY_SERVER_PORT", "4100")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Addr != ":4100" {
		t.Fatalf("Addr = %q, want :4100", cfg.Addr)
	}

	t.Setenv("RELAY_ADDR", "127.0.0.1:5000")
	cfg, err = LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Addr != "127.0.0.1:5000" {
		t.Fatalf("Addr = %q, want 127.0.0.1:5000", cfg.Addr)
	}
}

func TestLoadFromEnv_LegacyAPIKeyFallback(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("GOOGLE_GEMINI_API_KEY", "legacy")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.APIKey != "legacy" {
		t.Fatalf("APIKey = %q, want legacy", cfg.APIKey)
	}

	t.Setenv("API_KEY", "preferred")
	cfg, err = LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.APIKey != "preferred" {
		t.Fatalf("APIKey = %q, want preferred", cfg.APIKey)
	}
}

func TestLoadFromEnv_ServiceAccountTakesPriority(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("API_KEY", "k-test")
	t.Setenv("GOOGLE_APPLICATION_CREDENTIALS", "/etc/relay/sa.json")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.CredentialMode != CredentialModeServiceAccount {
		t.Fatalf("CredentialMode = %q, want %q", cfg.CredentialMode, CredentialModeServiceAccount)
	}
	if cfg.CredentialsFile != "/etc/relay/sa.json" {
		t.Fatalf("CredentialsFile = %q", cfg.CredentialsFile)
	}
	if len(cfg.OAuthScopes) != 1 || cfg.OAuthScopes[0] != CloudPlatformScope {
		t.Fatalf("OAuthScopes = %v", cfg.OAuthScopes)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("API_KEY", "k-test")
	t.Setenv("RELAY_UPSTREAM_URL", "ws://127.0.0.1:9999/live")
	t.Setenv("RELAY_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("RELAY_MAX_SESSIONS", "100")
	t.Setenv("RELAY_MAX_SESSIONS_PER_CLIENT", "3")
	t.Setenv("RELAY_ACCEPT_RPS", "5")
	t.Setenv("RELAY_ACCEPT_BURST", "10")
	t.Setenv("RELAY_IDLE_TIMEOUT", "90s")
	t.Setenv("RELAY_UPSTREAM_BINARY_AS_TEXT", "true")
	t.Setenv("RELAY_TOKEN_CACHE", "yes")
	t.Setenv("RELAY_LOG_LEVEL", "debug")
	t.Setenv("RELAY_LOG_FORMAT", "JSON")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.UpstreamURL != "ws://127.0.0.1:9999/live" {
		t.Fatalf("UpstreamURL = %q", cfg.UpstreamURL)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if _, ok := cfg.AllowedOrigins["https://b.example"]; !ok {
		t.Fatalf("missing https://b.example in %v", cfg.AllowedOrigins)
	}
	if cfg.MaxSessions != 100 || cfg.MaxSessionsPerClient != 3 {
		t.Fatalf("caps = %d/%d", cfg.MaxSessions, cfg.MaxSessionsPerClient)
	}
	if cfg.AcceptRPS != 5 || cfg.AcceptBurst != 10 {
		t.Fatalf("accept = %v/%d", cfg.AcceptRPS, cfg.AcceptBurst)
	}
	if cfg.IdleTimeout != 90*time.Second {
		t.Fatalf("IdleTimeout = %v", cfg.IdleTimeout)
	}
	if !cfg.UpstreamBinaryAsText || !cfg.TokenCache {
		t.Fatalf("bool overrides not applied: %+v", cfg)
	}
	if cfg.LogLevel != slog.LevelDebug || cfg.LogFormat != "json" {
		t.Fatalf("log = %v/%q", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestLoadFromEnv_ValidationErrors(t *testing.T) {
	cases := []struct {
		key, value, want string
	}{
		{"RELAY_UPSTREAM_URL", "https://example.com", "RELAY_UPSTREAM_URL"},
		{"RELAY_UPSTREAM_HANDSHAKE_TIMEOUT", "-1s", "RELAY_UPSTREAM_HANDSHAKE_TIMEOUT"},
		{"RELAY_MAX_SESSIONS", "-1", "RELAY_MAX_SESSIONS"},
		{"RELAY_ACCEPT_RPS", "3", "RELAY_ACCEPT_BURST"},
		{"RELAY_LOG_LEVEL", "loud", "RELAY_LOG_LEVEL"},
		{"RELAY_LOG_FORMAT", "xml", "RELAY_LOG_FORMAT"},
		{"RELAY_CLOSE_TIMEOUT", "0s", "RELAY_CLOSE_TIMEOUT"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			clearRelayEnv(t)
			t.Setenv("API_KEY", "k-test")
			t.Setenv(tc.key, tc.value)

			_, err := LoadFromEnv()
			if err == nil {
				t.Fatalf("expected error for %s=%s", tc.key, tc.value)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want mention of %s", err, tc.want)
			}
			if apierror.IsFatal(err) {
				t.Fatalf("validation error should not be a credential error: %v", err)
			}
		})
	}
}

func TestRedactURL(t *testing.T) {
	got := RedactURL("wss://example.com/ws?key=secret&alt=json", "key")
	if strings.Contains(got, "secret") {
		t.Fatalf("RedactURL leaked key: %s", got)
	}
	if !strings.Contains(got, "key=REDACTED") {
		t.Fatalf("RedactURL=%s", got)
	}
	if got := RedactURL("wss://example.com/ws", "key"); got != "wss://example.com/ws" {
		t.Fatalf("RedactURL without key=%s", got)
	}
}
