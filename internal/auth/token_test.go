package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/Lewis-walter7/seoanalyzer/internal/apperr"
)

const testSecret = "test-secret"

func signSession(t *testing.T, secret string, claims SessionClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validSessionClaims() SessionClaims {
	return SessionClaims{
		Email:   "ada@example.com",
		IsAdmin: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestMintForRequestWithoutSession(t *testing.T) {
	t.Parallel()

	minter := NewMinter(testSecret, NewJWTSessionResolver(testSecret))
	req := httptest.NewRequest(http.MethodGet, "/api/auth/backend-token", nil)

	token, ok, err := minter.MintForRequest(req)
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, token)
}

func TestMintForRequestWithInvalidSession(t *testing.T) {
	t.Parallel()

	minter := NewMinter(testSecret, NewJWTSessionResolver(testSecret))
	req := httptest.NewRequest(http.MethodGet, "/api/auth/backend-token", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: signSession(t, "other-secret", validSessionClaims())})

	token, ok, err := minter.MintForRequest(req)
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, token)
}

func TestMintForRequestSignsClaims(t *testing.T) {
	t.Parallel()

	issued := time.Now().Truncate(time.Second)
	minter := NewMinter(testSecret, NewJWTSessionResolver(testSecret), WithNow(func() time.Time { return issued }))
	req := httptest.NewRequest(http.MethodGet, "/api/auth/backend-token", nil)
	req.AddCookie(&http.Cookie{Name: SecureSessionCookie, Value: signSession(t, testSecret, validSessionClaims())})

	token, ok, err := minter.MintForRequest(req)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	parsed := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(token, parsed, func(*jwt.Token) (interface{}, error) {
		return []byte(testSecret), nil
	})
	require.NoError(t, err)
	require.Equal(t, "user-1", parsed["sub"])
	require.Equal(t, "ada@example.com", parsed["email"])
	require.Equal(t, true, parsed["isAdmin"])

	exp, err := parsed.GetExpirationTime()
	require.NoError(t, err)
	iat, err := parsed.GetIssuedAt()
	require.NoError(t, err)
	require.Equal(t, float64(3600), exp.Sub(iat.Time).Seconds())
	require.WithinDuration(t, issued.Add(time.Hour), exp.Time, time.Second)
}

func TestMintRequiresSecretAtCallTime(t *testing.T) {
	t.Parallel()

	minter := NewMinter("", NewJWTSessionResolver(""))

	_, err := minter.Mint(Session{UserID: "user-1"})
	require.True(t, apperr.Is(err, apperr.KindConfig))

	req := httptest.NewRequest(http.MethodGet, "/api/auth/backend-token", nil)
	req.Header.Set("Authorization", "Bearer opaque")
	withSession := NewMinter("", staticResolver{session: Session{UserID: "user-1"}})
	_, ok, err := withSession.MintForRequest(req)
	require.False(t, ok)
	require.True(t, apperr.Is(err, apperr.KindConfig))
}

func TestMintForRequestWithoutSessionIgnoresMissingSecret(t *testing.T) {
	t.Parallel()

	minter := NewMinter("", staticResolver{session: Session{UserID: "user-1"}})
	req := httptest.NewRequest(http.MethodGet, "/api/auth/backend-token", nil)

	token, ok, err := minter.MintForRequest(req)
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, token)
}

type staticResolver struct{ session Session }

func (s staticResolver) Resolve(context.Context, string) (Session, error) {
	return s.session, nil
}

func TestVerifierRoundTrip(t *testing.T) {
	t.Parallel()

	minter := NewMinter(testSecret, nil)
	token, err := minter.Mint(Session{UserID: "user-9", Email: "x@example.com"})
	require.NoError(t, err)

	session, err := NewVerifier(testSecret).Verify(token)
	require.NoError(t, err)
	require.Equal(t, Session{UserID: "user-9", Email: "x@example.com"}, session)

	_, err = NewVerifier("wrong").Verify(token)
	require.ErrorIs(t, err, ErrInvalidSession)
}

func TestVerifierRejectsExpired(t *testing.T) {
	t.Parallel()

	past := time.Now().Add(-2 * time.Hour)
	minter := NewMinter(testSecret, nil, WithNow(func() time.Time { return past }))
	token, err := minter.Mint(Session{UserID: "user-1"})
	require.NoError(t, err)

	_, err = NewVerifier(testSecret).Verify(token)
	require.ErrorIs(t, err, ErrInvalidSession)
}

type failingResolver struct{ err error }

func (f failingResolver) Resolve(context.Context, string) (Session, error) {
	return Session{}, f.err
}

func TestMintForRequestPropagatesStoreErrors(t *testing.T) {
	t.Parallel()

	minter := NewMinter(testSecret, failingResolver{err: errors.New("redis down")})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer opaque")

	_, ok, err := minter.MintForRequest(req)
	require.False(t, ok)
	require.EqualError(t, err, "redis down")
}
