package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the authenticated client behind an inbound connection.
type Principal struct {
	Subject string
	Claims  *Claims
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// TokenFromRequest prefers the Authorization header and falls back to the
// query parameter, since browsers cannot set headers on a WebSocket upgrade.
func TokenFromRequest(r *http.Request, queryParam string) (string, bool) {
	if token, ok := ParseBearer(r); ok {
		return token, true
	}
	if queryParam == "" {
		return "", false
	}
	token := strings.TrimSpace(r.URL.Query().Get(queryParam))
	return token, token != ""
}

var ErrMissingToken = errors.New("missing client token")

type Claims struct {
	jwt.RegisteredClaims
}

// Validator checks HMAC-signed client tokens. A nil Validator accepts every
// request.
type Validator struct {
	secret []byte
	parser *jwt.Parser
}

func NewValidator(secret, issuer, audience string) *Validator {
	if strings.TrimSpace(secret) == "" {
		return nil
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &Validator{secret: []byte(secret), parser: jwt.NewParser(opts...)}
}

func (v *Validator) Enabled() bool { return v != nil }

func (v *Validator) ValidateToken(tokenString string) (*Claims, error) {
	if v == nil {
		return &Claims{}, nil
	}
	if strings.TrimSpace(tokenString) == "" {
		return nil, ErrMissingToken
	}
	token, err := v.parser.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token parse/validation error: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}
	return claims, nil
}

// Authenticate validates the request's token and returns the principal.
func (v *Validator) Authenticate(r *http.Request, queryParam string) (*Principal, error) {
	if v == nil {
		return nil, nil
	}
	token, ok := TokenFromRequest(r, queryParam)
	if !ok {
		return nil, ErrMissingToken
	}
	claims, err := v.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	return &Principal{Subject: claims.Subject, Claims: claims}, nil
}
