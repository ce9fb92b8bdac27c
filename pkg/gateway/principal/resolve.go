// Package principal names the client behind a relay request for admission
// limits and session logs.
package principal

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/vango-go/live-relay/pkg/gateway/auth"
	"github.com/vango-go/live-relay/pkg/gateway/ratelimit"
)

type Kind string

const (
	KindSubject Kind = "subject"
	KindIP      Kind = "ip"
)

// Resolved is the client identity. Key is safe to log; subjects are hashed.
type Resolved struct {
	Kind Kind
	Key  string
}

// proxyHeaders are consulted in order when proxy headers are trusted.
var proxyHeaders = []string{"CF-Connecting-IP", "X-Real-IP", "X-Forwarded-For"}

// Resolve identifies the client behind r: the token subject when the JWT
// middleware stored a principal, otherwise the client address.
func Resolve(r *http.Request, trustProxyHeaders bool) Resolved {
	if p, ok := auth.PrincipalFrom(r.Context()); ok && strings.TrimSpace(p.Subject) != "" {
		return Resolved{Kind: KindSubject, Key: ratelimit.ClientKeyFromSubject(p.Subject)}
	}
	return Resolved{Kind: KindIP, Key: ratelimit.ClientKeyFromIP(clientAddr(r, trustProxyHeaders))}
}

// clientAddr falls back to the raw RemoteAddr host when nothing parses, so
// every request still lands in some bucket.
func clientAddr(r *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		for _, h := range proxyHeaders {
			v := r.Header.Get(h)
			// X-Forwarded-For is "client, proxy1, proxy2".
			first, _, _ := strings.Cut(v, ",")
			if addr, ok := parseAddr(first); ok {
				return addr
			}
		}
	}
	if addr, ok := parseAddr(r.RemoteAddr); ok {
		return addr
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

// parseAddr accepts a bare address or "addr:port".
func parseAddr(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap().String(), true
	}
	if a, err := netip.ParseAddr(s); err == nil {
		return a.Unmap().String(), true
	}
	return "", false
}
