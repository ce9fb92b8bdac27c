package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/live-relay/pkg/gateway/apierror"
	"github.com/vango-go/live-relay/pkg/gateway/metrics"
	"github.com/vango-go/live-relay/pkg/gateway/principal"
	"github.com/vango-go/live-relay/pkg/gateway/ratelimit"
)

// Admission applies the session limiter to WebSocket upgrades. The permit is
// held until next returns, which for a relay session is when the pair closes.
func Admission(limiter *ratelimit.Limiter, trustProxyHeaders bool, m *metrics.Relay, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		client := principal.Resolve(r, trustProxyHeaders)
		dec := limiter.AcquireSession(client.Key, time.Now())
		if !dec.Allowed {
			reqID, _ := RequestIDFrom(r.Context())
			m.AdmissionRejected(dec.Reason)
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			}
			apierror.WriteHTTP(w, http.StatusTooManyRequests, reqID, apierror.TypeRateLimit, dec.Reason, rejectMessage(dec.Reason))
			return
		}
		if dec.Permit != nil {
			defer dec.Permit.Release()
		}

		next.ServeHTTP(w, r)
	})
}

func rejectMessage(reason string) string {
	switch reason {
	case ratelimit.ReasonAcceptRate:
		return "too many connection attempts"
	case ratelimit.ReasonClientSessionLimit:
		return "too many sessions for this client"
	default:
		return "relay is at capacity"
	}
}
