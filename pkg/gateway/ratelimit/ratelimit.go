package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

// Denial reasons reported in Decision.Reason.
const (
	ReasonAcceptRate         = "accept_rate"
	ReasonSessionLimit       = "session_limit"
	ReasonClientSessionLimit = "client_session_limit"
)

type Config struct {
	// Per-client accept rate (token bucket). Zero disables it.
	AcceptRPS   float64
	AcceptBurst int

	MaxSessions          int
	MaxSessionsPerClient int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

type Limiter struct {
	cfg Config

	global chan struct{}

	mu sync.Mutex
	m  map[string]*clientLimiter
}

type clientLimiter struct {
	mu sync.Mutex

	tb tokenBucket

	sessionSem chan struct{}

	lastSeen time.Time
}

type tokenBucket struct {
	rps      float64
	capacity float64

	tokens float64
	last   time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	l := &Limiter{
		cfg: cfg,
		m:   make(map[string]*clientLimiter),
	}
	if cfg.MaxSessions > 0 {
		l.global = make(chan struct{}, cfg.MaxSessions)
	}
	return l
}

func ClientKeyFromSubject(subject string) string {
	sum := sha256.Sum256([]byte(subject))
	// 16 bytes => 32 hex chars; enough to avoid collisions in practice.
	return "sub_" + hex.EncodeToString(sum[:16])
}

func ClientKeyFromIP(ip string) string {
	return "ip_" + ip
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter int
	Permit     *Permit
}

// AcquireSession admits one relay session for client. The returned Permit
// must be released when the session ends.
func (l *Limiter) AcquireSession(client string, now time.Time) Decision {
	if l == nil {
		return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
	}
	if client == "" {
		client = "anonymous"
	}

	cl := l.getOrCreate(client, now)

	if l.cfg.AcceptRPS > 0 && l.cfg.AcceptBurst > 0 {
		ok, retryAfter := cl.allowToken(now, l.cfg.AcceptRPS, l.cfg.AcceptBurst)
		if !ok {
			return Decision{Allowed: false, Reason: ReasonAcceptRate, RetryAfter: retryAfter}
		}
	}

	var releases []func()
	if l.global != nil {
		select {
		case l.global <- struct{}{}:
			releases = append(releases, func() { <-l.global })
		default:
			return Decision{Allowed: false, Reason: ReasonSessionLimit, RetryAfter: 1}
		}
	}

	if l.cfg.MaxSessionsPerClient > 0 {
		select {
		case cl.sessionSem <- struct{}{}:
			releases = append(releases, func() { <-cl.sessionSem })
		default:
			for _, release := range releases {
				release()
			}
			return Decision{Allowed: false, Reason: ReasonClientSessionLimit, RetryAfter: 1}
		}
	}

	return Decision{
		Allowed: true,
		Permit: &Permit{release: func() {
			for _, release := range releases {
				release()
			}
		}},
	}
}

// Active reports the number of sessions holding a global permit.
func (l *Limiter) Active() int {
	if l == nil || l.global == nil {
		return 0
	}
	return len(l.global)
}

func (l *Limiter) getOrCreate(client string, now time.Time) *clientLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.m) >= l.cfg.MaxEntries {
		l.gcLocked(now)
		// If still too big, drop one idle entry (bounded memory > perfect fairness).
		if len(l.m) >= l.cfg.MaxEntries {
			for k, v := range l.m {
				if len(v.sessionSem) == 0 {
					delete(l.m, k)
					break
				}
			}
		}
	}

	if cl, ok := l.m[client]; ok {
		cl.lastSeen = now
		return cl
	}
	cl := &clientLimiter{
		sessionSem: make(chan struct{}, max(1, l.cfg.MaxSessionsPerClient)),
		lastSeen:   now,
	}
	l.m[client] = cl
	return cl
}

// gcLocked drops entries that are past their TTL and hold no sessions, so a
// long-lived session never loses its per-client slot.
func (l *Limiter) gcLocked(now time.Time) {
	ttl := l.cfg.EntryTTL
	for k, v := range l.m {
		if now.Sub(v.lastSeen) > ttl && len(v.sessionSem) == 0 {
			delete(l.m, k)
		}
	}
}

func (cl *clientLimiter) allowToken(now time.Time, rps float64, burst int) (bool, int) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if burst <= 0 || rps <= 0 {
		return true, 0
	}
	capacity := float64(burst)
	if cl.tb.capacity == 0 {
		cl.tb = tokenBucket{
			rps:      rps,
			capacity: capacity,
			tokens:   capacity,
			last:     now,
		}
	}

	elapsed := now.Sub(cl.tb.last).Seconds()
	if elapsed > 0 {
		cl.tb.tokens = math.Min(cl.tb.capacity, cl.tb.tokens+(elapsed*cl.tb.rps))
		cl.tb.last = now
	}

	if cl.tb.tokens >= 1.0 {
		cl.tb.tokens -= 1.0
		return true, 0
	}

	needed := 1.0 - cl.tb.tokens
	retryAfter := int(math.Ceil(needed / cl.tb.rps))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}
