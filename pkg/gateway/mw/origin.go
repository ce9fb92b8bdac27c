package mw

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/vango-go/live-relay/pkg/gateway/apierror"
	"github.com/vango-go/live-relay/pkg/gateway/metrics"
)

// Origins rejects WebSocket upgrades whose Origin header is not allowlisted.
// An empty allowlist accepts any origin, and requests without an Origin
// header (non-browser clients) always pass.
func Origins(allowed map[string]struct{}, m *metrics.Relay, next http.Handler) http.Handler {
	if len(allowed) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) || OriginAllowed(allowed, r.Header.Get("Origin")) {
			next.ServeHTTP(w, r)
			return
		}
		reqID, _ := RequestIDFrom(r.Context())
		m.AdmissionRejected("origin")
		apierror.WriteHTTP(w, http.StatusForbidden, reqID, apierror.TypePermission, "origin_not_allowed", "origin not allowed")
	})
}

func OriginAllowed(allowed map[string]struct{}, origin string) bool {
	origin = strings.TrimSpace(origin)
	if origin == "" || len(allowed) == 0 {
		return true
	}
	_, ok := allowed[origin]
	return ok
}
