package upstream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/auth"
	"cloud.google.com/go/auth/credentials"
	"golang.org/x/sync/singleflight"

	"github.com/vango-go/live-relay/pkg/gateway/apierror"
)

type Mode string

const (
	ModeServiceAccount Mode = "service_account"
	ModeAPIKey         Mode = "api_key"
)

// Credential is what the connector attaches to one upstream handshake.
type Credential struct {
	Mode        Mode
	BearerToken string
	APIKey      string
	Expiry      time.Time
}

type CredentialSource interface {
	Mode() Mode
	Credential(ctx context.Context) (Credential, error)
}

type APIKeySource struct {
	Key string
}

func (s APIKeySource) Mode() Mode { return ModeAPIKey }

func (s APIKeySource) Credential(context.Context) (Credential, error) {
	key := strings.TrimSpace(s.Key)
	if key == "" {
		return Credential{}, apierror.New(apierror.TypeAuth, "auth_failed", "Proxy authentication with upstream failed", fmt.Errorf("api key is empty"))
	}
	return Credential{Mode: ModeAPIKey, APIKey: key}, nil
}

// DetectFunc resolves a token provider from service-account options.
type DetectFunc func(opts *credentials.DetectOptions) (auth.TokenProvider, error)

func detectDefault(opts *credentials.DetectOptions) (auth.TokenProvider, error) {
	creds, err := credentials.DetectDefault(opts)
	if err != nil {
		return nil, err
	}
	return creds, nil
}

// ServiceAccountSource fetches a fresh OAuth access token on every call.
type ServiceAccountSource struct {
	CredentialsFile string
	Scopes          []string
	Detect          DetectFunc
}

func (s ServiceAccountSource) Mode() Mode { return ModeServiceAccount }

func (s ServiceAccountSource) Credential(ctx context.Context) (Credential, error) {
	detect := s.Detect
	if detect == nil {
		detect = detectDefault
	}
	provider, err := detect(&credentials.DetectOptions{
		Scopes:          s.Scopes,
		CredentialsFile: s.CredentialsFile,
	})
	if err != nil {
		return Credential{}, authFailed(fmt.Errorf("load service account: %w", err))
	}
	tok, err := provider.Token(ctx)
	if err != nil {
		return Credential{}, authFailed(fmt.Errorf("fetch access token: %w", err))
	}
	if tok == nil || strings.TrimSpace(tok.Value) == "" {
		return Credential{}, authFailed(fmt.Errorf("access token is empty"))
	}
	return Credential{Mode: ModeServiceAccount, BearerToken: tok.Value, Expiry: tok.Expiry}, nil
}

// CachedTokenSource reuses a credential from Source until Skew before it
// expires. Credentials without an expiry are never cached. Concurrent
// refreshes share one fetch and the lock is never held across it.
type CachedTokenSource struct {
	Source CredentialSource
	Skew   time.Duration
	Now    func() time.Time

	mu     sync.Mutex
	cached Credential
	fetch  singleflight.Group
}

func (s *CachedTokenSource) Mode() Mode { return s.Source.Mode() }

func (s *CachedTokenSource) Credential(ctx context.Context) (Credential, error) {
	if cred, ok := s.fresh(); ok {
		return cred, nil
	}
	ch := s.fetch.DoChan("token", func() (any, error) {
		if cred, ok := s.fresh(); ok {
			return cred, nil
		}
		// The fetch outlives a canceled caller but keeps its deadline.
		fetchCtx := context.WithoutCancel(ctx)
		if deadline, ok := ctx.Deadline(); ok {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithDeadline(fetchCtx, deadline)
			defer cancel()
		}
		cred, err := s.Source.Credential(fetchCtx)
		if err != nil {
			return Credential{}, err
		}
		s.mu.Lock()
		s.cached = cred
		s.mu.Unlock()
		return cred, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	}
}

func (s *CachedTokenSource) fresh() (Credential, bool) {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cached.Expiry.IsZero() && now().Add(s.Skew).Before(s.cached.Expiry) {
		return s.cached, true
	}
	return Credential{}, false
}

func authFailed(err error) error {
	return apierror.New(apierror.TypeAuth, "auth_failed", "Proxy authentication with upstream failed", err)
}
