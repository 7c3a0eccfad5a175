// Package auth resolves user sessions and mints the short-lived backend tokens the
// front end uses to call the backend API on a user's behalf.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Lewis-walter7/seoanalyzer/internal/apperr"
)

// Session cookie names, secure variant first.
const (
	SecureSessionCookie = "__Secure-next-auth.session-token"
	SessionCookie       = "next-auth.session-token"
)

var (
	// ErrNoSession means the request carried no session token at all.
	ErrNoSession = errors.New("no session")
	// ErrInvalidSession means a token was presented but did not resolve to a session.
	ErrInvalidSession = errors.New("invalid session")
)

// Session is the authenticated user behind a request.
type Session struct {
	UserID  string `json:"userId"`
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	IsAdmin bool   `json:"isAdmin"`
}

// SessionResolver turns a session token into a Session.
type SessionResolver interface {
	Resolve(ctx context.Context, token string) (Session, error)
}

// TokenFromRequest extracts the session token from cookies or an Authorization header.
func TokenFromRequest(r *http.Request) string {
	for _, name := range []string{SecureSessionCookie, SessionCookie} {
		if c, err := r.Cookie(name); err == nil && c.Value != "" {
			return c.Value
		}
	}
	return BearerToken(r)
}

// BearerToken returns the token of an "Authorization: Bearer" header, or "".
func BearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// SessionFromRequest resolves the request's session through resolver.
func SessionFromRequest(r *http.Request, resolver SessionResolver) (Session, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return Session{}, ErrNoSession
	}
	return resolver.Resolve(r.Context(), token)
}

// SessionClaims is the claim set of a JWT session token.
type SessionClaims struct {
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	IsAdmin bool   `json:"isAdmin"`
	jwt.RegisteredClaims
}

// JWTSessionResolver validates HS256 session tokens signed with the shared secret.
type JWTSessionResolver struct {
	secret string
}

// NewJWTSessionResolver builds a resolver for the given secret.
func NewJWTSessionResolver(secret string) *JWTSessionResolver {
	return &JWTSessionResolver{secret: secret}
}

// Resolve parses and validates the token.
func (r *JWTSessionResolver) Resolve(_ context.Context, token string) (Session, error) {
	if r.secret == "" {
		return Session{}, apperr.Config("NEXTAUTH_SECRET is not set")
	}
	claims := &SessionClaims{}
	if err := parseHS256(token, r.secret, claims); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if claims.Subject == "" {
		return Session{}, fmt.Errorf("%w: missing subject", ErrInvalidSession)
	}
	return Session{
		UserID:  claims.Subject,
		Email:   claims.Email,
		Name:    claims.Name,
		IsAdmin: claims.IsAdmin,
	}, nil
}

func parseHS256(token, secret string, claims jwt.Claims) error {
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return fmt.Errorf("parse token: %w", err)
	}
	if !parsed.Valid {
		return errors.New("token is not valid")
	}
	return nil
}
