// Package upstream opens authenticated WebSocket connections to the remote
// live endpoint. One Connector is shared by every session; each Open call
// produces an independent Session.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/live-relay/pkg/gateway/apierror"
	"github.com/vango-go/live-relay/pkg/gateway/config"
	"github.com/vango-go/live-relay/pkg/gateway/live/protocol"
)

// Dialer is satisfied by *websocket.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type Connector struct {
	URL              string
	Credentials      CredentialSource
	Dialer           Dialer
	HandshakeTimeout time.Duration
	TokenTimeout     time.Duration
	APIKeyParam      string
	Logger           *slog.Logger
}

// NewConnector builds the process-wide connector from cfg. The credential
// mode is fixed here.
func NewConnector(cfg config.Config, logger *slog.Logger) *Connector {
	var src CredentialSource
	switch cfg.CredentialMode {
	case config.CredentialModeServiceAccount:
		src = ServiceAccountSource{CredentialsFile: cfg.CredentialsFile, Scopes: cfg.OAuthScopes}
		if cfg.TokenCache {
			src = &CachedTokenSource{Source: src, Skew: cfg.TokenRefreshSkew}
		}
	default:
		src = APIKeySource{Key: cfg.APIKey}
	}
	return &Connector{
		URL:              cfg.UpstreamURL,
		Credentials:      src,
		Dialer:           &websocket.Dialer{Proxy: http.ProxyFromEnvironment},
		HandshakeTimeout: cfg.UpstreamHandshakeTimeout,
		TokenTimeout:     cfg.TokenTimeout,
		APIKeyParam:      cfg.APIKeyParam,
		Logger:           logger,
	}
}

func (c *Connector) Mode() Mode {
	if c == nil || c.Credentials == nil {
		return ""
	}
	return c.Credentials.Mode()
}

// Open acquires a credential and performs the upstream handshake. Errors are
// *apierror.Error values of type TypeAuth or TypeUpstreamConnect; timeouts
// carry CodeTokenTimeout or CodeTimeout respectively.
func (c *Connector) Open(ctx context.Context) (*Session, error) {
	if c == nil || c.Credentials == nil {
		return nil, apierror.New(apierror.TypeAuth, "auth_failed", "Proxy authentication with upstream failed", errors.New("no credential source"))
	}
	logger := c.logger()

	tokenCtx := ctx
	if c.TokenTimeout > 0 {
		var cancel context.CancelFunc
		tokenCtx, cancel = context.WithTimeout(ctx, c.TokenTimeout)
		defer cancel()
	}
	cred, err := c.Credentials.Credential(tokenCtx)
	if err != nil {
		logger.Warn("upstream credential failed", "mode", c.Credentials.Mode(), "error", err)
		if ctx.Err() == nil && errors.Is(tokenCtx.Err(), context.DeadlineExceeded) {
			return nil, apierror.New(apierror.TypeAuth, apierror.CodeTokenTimeout, "Proxy timed out fetching upstream credentials", context.DeadlineExceeded)
		}
		if apierror.TypeOf(err) == "" {
			err = authFailed(err)
		}
		return nil, err
	}

	target, header, err := c.handshakeRequest(cred)
	if err != nil {
		return nil, apierror.New(apierror.TypeUpstreamConnect, "upstream_unreachable", "Proxy to upstream connection failed", err)
	}
	redacted := config.RedactURL(target, c.param())

	dialCtx := ctx
	if c.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.HandshakeTimeout)
		defer cancel()
	}

	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	started := time.Now()
	conn, resp, err := dialer.DialContext(dialCtx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		err = scrub(err, cred)
		logger.Warn("upstream handshake failed", "url", redacted, "mode", cred.Mode, "error", err)
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, apierror.New(apierror.TypeAuth, "upstream_rejected", "Upstream rejected proxy credentials", fmt.Errorf("handshake status %d: %w", resp.StatusCode, err))
		}
		if ctx.Err() == nil && (dialCtx.Err() != nil || isTimeout(err)) {
			return nil, apierror.New(apierror.TypeUpstreamConnect, apierror.CodeTimeout, "Proxy timed out connecting to upstream", fmt.Errorf("%w: %w", context.DeadlineExceeded, err))
		}
		return nil, apierror.New(apierror.TypeUpstreamConnect, "upstream_unreachable", "Proxy to upstream connection failed", err)
	}

	logger.Info("upstream connected", "url", redacted, "mode", cred.Mode, "handshake_ms", time.Since(started).Milliseconds())
	return &Session{Conn: conn, Mode: cred.Mode, URL: redacted, OpenedAt: time.Now()}, nil
}

func (c *Connector) handshakeRequest(cred Credential) (string, http.Header, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", nil, fmt.Errorf("parse upstream url: %w", err)
	}
	header := http.Header{}
	switch cred.Mode {
	case ModeServiceAccount:
		header.Set("Authorization", "Bearer "+cred.BearerToken)
	case ModeAPIKey:
		q := u.Query()
		q.Set(c.param(), cred.APIKey)
		u.RawQuery = q.Encode()
	default:
		return "", nil, fmt.Errorf("unknown credential mode %q", cred.Mode)
	}
	return u.String(), header, nil
}

func (c *Connector) param() string {
	if p := strings.TrimSpace(c.APIKeyParam); p != "" {
		return p
	}
	return "key"
}

func (c *Connector) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Session is one open upstream connection. Conn is owned by the bridge that
// opened it.
type Session struct {
	Conn     *websocket.Conn
	Mode     Mode
	URL      string
	OpenedAt time.Time

	closeOnce sync.Once
}

// Close sends a close frame bounded by timeout and then closes the socket.
// Only the first call has any effect.
func (s *Session) Close(code int, reason string, timeout time.Duration) {
	if s == nil || s.Conn == nil {
		return
	}
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, protocol.CloseReason(reason))
		_ = s.Conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout))
		_ = s.Conn.Close()
	})
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// scrub removes secrets from dial errors before they reach logs or clients.
func scrub(err error, cred Credential) error {
	msg := err.Error()
	clean := msg
	for _, secret := range []string{cred.APIKey, cred.BearerToken} {
		if secret != "" {
			clean = strings.ReplaceAll(clean, secret, "REDACTED")
		}
	}
	if clean == msg {
		return err
	}
	return &scrubbedError{msg: clean, err: err}
}

type scrubbedError struct {
	msg string
	err error
}

func (e *scrubbedError) Error() string { return e.msg }

func (e *scrubbedError) Unwrap() error { return e.err }
