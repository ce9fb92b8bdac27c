package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/vango-go/live-relay/pkg/gateway/auth"
	"github.com/vango-go/live-relay/pkg/gateway/config"
	"github.com/vango-go/live-relay/pkg/gateway/handlers"
	"github.com/vango-go/live-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/live-relay/pkg/gateway/live/bridge"
	"github.com/vango-go/live-relay/pkg/gateway/live/protocol"
	"github.com/vango-go/live-relay/pkg/gateway/live/sessions"
	"github.com/vango-go/live-relay/pkg/gateway/metrics"
	"github.com/vango-go/live-relay/pkg/gateway/mw"
	"github.com/vango-go/live-relay/pkg/gateway/ratelimit"
	"github.com/vango-go/live-relay/pkg/gateway/upstream"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	upstream  bridge.Opener
	limiter   *ratelimit.Limiter
	validator *auth.Validator
	lifecycle *lifecycle.Lifecycle
	sessions  *sessions.Tracker
	metrics   *metrics.Relay
}

type Option func(*Server)

// WithUpstream replaces the connector built from the config.
func WithUpstream(o bridge.Opener) Option {
	return func(s *Server) { s.upstream = o }
}

func WithMetrics(m *metrics.Relay) Option {
	return func(s *Server) { s.metrics = m }
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		limiter: ratelimit.New(ratelimit.Config{
			AcceptRPS:            cfg.AcceptRPS,
			AcceptBurst:          cfg.AcceptBurst,
			MaxSessions:          cfg.MaxSessions,
			MaxSessionsPerClient: cfg.MaxSessionsPerClient,
		}),
		validator: auth.NewValidator(cfg.ClientJWTSecret, cfg.ClientJWTIssuer, cfg.ClientJWTAudience),
		lifecycle: &lifecycle.Lifecycle{},
		sessions:  sessions.NewTracker(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.upstream == nil {
		s.upstream = upstream.NewConnector(cfg, logger)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Sessions:  s.sessions,
	})
	s.mux.Handle("/metrics", s.metrics.Handler())

	var relay http.Handler = handlers.RelayHandler{
		Config:    s.cfg,
		Upstream:  s.upstream,
		Logger:    s.logger,
		Lifecycle: s.lifecycle,
		Sessions:  s.sessions,
		Metrics:   s.metrics,
	}
	relay = mw.Admission(s.limiter, s.cfg.TrustProxyHeaders, s.metrics, relay)
	relay = mw.Auth(s.validator, s.cfg.ClientTokenParam, s.metrics, relay)
	relay = mw.Origins(s.cfg.AllowedOrigins, s.metrics, relay)

	notFound := handlers.NotFoundHandler{}
	s.mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Clients may upgrade on any path; plain requests only reach the
		// relay at the root so it can answer 426.
		if r.URL.Path == "/" || websocket.IsWebSocketUpgrade(r) {
			relay.ServeHTTP(w, r)
			return
		}
		notFound.ServeHTTP(w, r)
	}))
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) SetDraining(draining bool) {
	s.lifecycle.SetDraining(draining)
}

// NotifySessionsDraining tells every live client that the relay is going away.
func (s *Server) NotifySessionsDraining(message string) int {
	return s.sessions.NotifyAll(protocol.StatusDraining, message)
}

func (s *Server) CancelSessions() int {
	return s.sessions.CancelAll()
}

// WaitSessions blocks until every session has unregistered or ctx is done.
func (s *Server) WaitSessions(ctx context.Context) bool {
	return s.sessions.Wait(ctx)
}

func (s *Server) SessionCount() int {
	return s.sessions.Count()
}
