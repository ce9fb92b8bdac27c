package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/vango-go/live-relay/pkg/gateway/config"
	"github.com/vango-go/live-relay/pkg/gateway/lifecycle"
	"github.com/vango-go/live-relay/pkg/gateway/live/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports 503 once the relay starts draining so load balancers
// stop sending new connections.
type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		Draining       bool     `json:"draining"`
		DrainingSince  string   `json:"draining_since,omitempty"`
		CredentialMode string   `json:"credential_mode"`
		ActiveSessions int      `json:"active_sessions"`
		ActiveClients  int      `json:"active_clients"`
		OldestSessionS int64    `json:"oldest_session_age_s,omitempty"`
		Issues         []string `json:"issues,omitempty"`
	}

	snap := h.Sessions.Snapshot()
	clients := make(map[string]struct{}, len(snap))
	for _, s := range snap {
		clients[s.Client] = struct{}{}
	}
	var oldest int64
	if len(snap) > 0 {
		oldest = int64(time.Since(snap[0].StartedAt).Seconds())
	}

	draining := h.Lifecycle.IsDraining()
	var issues []string
	var since string
	if draining {
		issues = append(issues, "draining")
		if t := h.Lifecycle.DrainingSince(); !t.IsZero() {
			since = t.UTC().Format(time.RFC3339)
		}
	}
	if err := h.Config.Validate(); err != nil {
		issues = append(issues, err.Error())
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:             ok,
		Draining:       draining,
		DrainingSince:  since,
		CredentialMode: string(h.Config.CredentialMode),
		ActiveSessions: len(snap),
		ActiveClients:  len(clients),
		OldestSessionS: oldest,
		Issues:         issues,
	})
}
