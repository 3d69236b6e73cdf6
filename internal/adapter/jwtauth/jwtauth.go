// Package jwtauth implements the authenticator port with HS256 session tokens.
package jwtauth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/valzu-ai/valzu-chat/internal/config"
	"github.com/valzu-ai/valzu-chat/internal/domain/identity"
)

var (
	// ErrMalformedHeader is returned for an Authorization header that is not a bearer token.
	ErrMalformedHeader = errors.New("authorization header is not a bearer token")
	// ErrNoSecret is returned when no signing key is available.
	ErrNoSecret = errors.New("no session signing secret configured")
)

// KeySource yields the signing keys under name, current first. secrets.Vault implements it.
type KeySource interface {
	Candidates(name string) []string
}

// Claims is the session token payload.
type Claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies and mints session tokens.
type Authenticator struct {
	keys      func() []string
	issuer    string
	cookieKey string
	ttl       time.Duration
}

// New creates an authenticator with the fixed secret from auth configuration.
func New(cfg config.Auth) *Authenticator {
	static := []string{cfg.JWTSecret}
	if cfg.JWTSecret == "" {
		static = nil
	}
	return newAuthenticator(cfg, func() []string { return static })
}

// NewRotating creates an authenticator whose keys are read from src under name
// on every call. Tokens signed with the previous key keep verifying after a rotation.
func NewRotating(cfg config.Auth, src KeySource, name string) *Authenticator {
	return newAuthenticator(cfg, func() []string { return src.Candidates(name) })
}

func newAuthenticator(cfg config.Auth, keys func() []string) *Authenticator {
	return &Authenticator{
		keys:      keys,
		issuer:    cfg.Issuer,
		cookieKey: cfg.CookieKey,
		ttl:       cfg.TokenTTL,
	}
}

// Authenticate reads a token from the Authorization header, the session
// cookie, or the token query parameter (browsers cannot set headers on a
// WebSocket upgrade), in that order. No token yields (nil, nil).
func (a *Authenticator) Authenticate(r *http.Request) (*identity.Identity, error) {
	raw, err := a.tokenFrom(r)
	if err != nil || raw == "" {
		return nil, err
	}
	return a.Verify(raw)
}

func (a *Authenticator) tokenFrom(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		tok, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || tok == "" {
			return "", ErrMalformedHeader
		}
		return tok, nil
	}
	if a.cookieKey != "" {
		if c, err := r.Cookie(a.cookieKey); err == nil && c.Value != "" {
			return c.Value, nil
		}
	}
	return r.URL.Query().Get("token"), nil
}

// Verify parses a token and returns its identity. Each available key is tried
// in order until one matches the signature.
func (a *Authenticator) Verify(raw string) (*identity.Identity, error) {
	keys := a.keys()
	if len(keys) == 0 {
		return nil, fmt.Errorf("verify session token: %w", ErrNoSecret)
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var (
		claims Claims
		err    error
	)
	for _, key := range keys {
		claims = Claims{}
		_, err = jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
			return []byte(key), nil
		}, opts...)
		if !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("verify session token: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("verify session token: missing subject")
	}
	return &identity.Identity{UserID: claims.Subject, Email: claims.Email, Name: claims.Name}, nil
}

// Mint signs a token for ident. A non-positive ttl uses the configured default.
func (a *Authenticator) Mint(ident identity.Identity, ttl time.Duration) (string, error) {
	if ident.UserID == "" {
		return "", errors.New("mint session token: user id is required")
	}
	keys := a.keys()
	if len(keys) == 0 {
		return "", fmt.Errorf("mint session token: %w", ErrNoSecret)
	}
	if ttl <= 0 {
		ttl = a.ttl
	}
	now := time.Now()
	claims := Claims{
		Email: ident.Email,
		Name:  ident.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ident.UserID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(keys[0]))
}
