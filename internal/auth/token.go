package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Lewis-walter7/seoanalyzer/internal/apperr"
)

// BackendTokenTTL is how long a minted backend token stays valid.
const BackendTokenTTL = time.Hour

// BackendClaims is the minimal claim set carried by backend tokens.
type BackendClaims struct {
	Email   string `json:"email"`
	IsAdmin bool   `json:"isAdmin"`
	jwt.RegisteredClaims
}

// Minter signs backend tokens for authenticated sessions.
type Minter struct {
	secret   string
	resolver SessionResolver
	now      func() time.Time
}

// MinterOption customizes a Minter.
type MinterOption func(*Minter)

// WithNow overrides the clock used for iat/exp.
func WithNow(now func() time.Time) MinterOption {
	return func(m *Minter) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMinter builds a Minter. The secret is only checked when a token is minted.
func NewMinter(secret string, resolver SessionResolver, opts ...MinterOption) *Minter {
	m := &Minter{
		secret:   secret,
		resolver: resolver,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Mint signs a backend token for session, expiring BackendTokenTTL after issuance.
func (m *Minter) Mint(session Session) (string, error) {
	if m.secret == "" {
		return "", apperr.Config("NEXTAUTH_SECRET is not set")
	}
	now := m.now()
	claims := BackendClaims{
		Email:   session.Email,
		IsAdmin: session.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   session.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(BackendTokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(m.secret))
	if err != nil {
		return "", fmt.Errorf("sign backend token: %w", err)
	}
	return signed, nil
}

// MintForRequest mints a token for the request's session. ok is false, with no error,
// when the request is unauthenticated, even if the secret is missing.
func (m *Minter) MintForRequest(r *http.Request) (token string, ok bool, err error) {
	session, err := SessionFromRequest(r, m.resolver)
	switch {
	case errors.Is(err, ErrNoSession), errors.Is(err, ErrInvalidSession):
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	token, err = m.Mint(session)
	if err != nil {
		return "", false, err
	}
	return token, true, nil
}

// Verifier validates backend tokens on the backend surface.
type Verifier struct {
	secret string
}

// NewVerifier builds a Verifier for the shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret}
}

// Verify checks signature and expiry and returns the embedded session.
func (v *Verifier) Verify(token string) (Session, error) {
	if v.secret == "" {
		return Session{}, apperr.Config("NEXTAUTH_SECRET is not set")
	}
	claims := &BackendClaims{}
	if err := parseHS256(token, v.secret, claims); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	if claims.Subject == "" {
		return Session{}, fmt.Errorf("%w: missing subject", ErrInvalidSession)
	}
	return Session{
		UserID:  claims.Subject,
		Email:   claims.Email,
		IsAdmin: claims.IsAdmin,
	}, nil
}
