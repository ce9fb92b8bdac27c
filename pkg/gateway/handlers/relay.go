package handlers

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/live-relay/pkg/gateway/apierror"
	"github.com/vango-go/live-relay/pkg/gateway/config"
	"github.com/vango-go/live-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/live-relay/pkg/gateway/live/bridge"
	"github.com/vango-go/live-relay/pkg/gateway/live/sessions"
	"github.com/vango-go/live-relay/pkg/gateway/metrics"
	"github.com/vango-go/live-relay/pkg/gateway/mw"
	"github.com/vango-go/live-relay/pkg/gateway/principal"
)

// RelayHandler accepts client WebSocket upgrades and runs one bridge per
// connection for as long as the pair lives.
type RelayHandler struct {
	Config    config.Config
	Upstream  bridge.Opener
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker
	Metrics   *metrics.Relay
}

func (h RelayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		writeJSONError(w, r, http.StatusMethodNotAllowed, apierror.TypeInvalidRequest, "method_not_allowed", "method not allowed")
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Upgrade", "websocket")
		writeJSONError(w, r, http.StatusUpgradeRequired, apierror.TypeInvalidRequest, "upgrade_required", "this endpoint only accepts WebSocket upgrades")
		return
	}
	if h.Lifecycle.IsDraining() {
		h.Metrics.AdmissionRejected("draining")
		writeJSONError(w, r, http.StatusServiceUnavailable, apierror.TypeUnavailable, "draining", "relay is draining")
		return
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	upgrader := websocket.Upgrader{
		// Origins are enforced by mw.Origins before the upgrade.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("client upgrade failed", "request_id", reqID, "error", err)
		return
	}
	defer conn.Close()

	if h.Config.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.MaxMessageBytes)
	}

	client := principal.Resolve(r, h.Config.TrustProxyHeaders)
	sessionID := "live_" + uuid.NewString()
	logger = logger.With("session_id", sessionID, "request_id", reqID, "client", client.Key)
	logger.Info("client connected", "remote_addr", r.RemoteAddr, "origin", r.Header.Get("Origin"))

	b := bridge.New(bridge.Dependencies{
		ID:       sessionID,
		Client:   conn,
		Upstream: h.Upstream,
		Logger:   logger,
		Metrics:  h.Metrics,
		Config: bridge.Config{
			IdleTimeout:          h.Config.IdleTimeout,
			WriteTimeout:         h.Config.WSWriteTimeout,
			PingInterval:         h.Config.WSPingInterval,
			CloseTimeout:         h.Config.CloseTimeout,
			UpstreamBinaryAsText: h.Config.UpstreamBinaryAsText,
		},
	})

	unregister := h.Sessions.Register(sessionID, sessions.Handle{
		Cancel: b.Cancel,
		Notify: b.Notify,
		Client: client.Key,
	})
	defer unregister()

	if err := b.Run(); err != nil {
		logger.Warn("live relay ended with error", "error", err)
	}
}
