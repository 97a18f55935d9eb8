package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIssuer(secret string, ttl time.Duration) *JwtIssuer {
	return NewJWTIssuer(JwtConfig{
		Issuer:    "test-issuer",
		Secret:    NewSecretString(secret),
		Algorithm: jwt.SigningMethodHS256.Name,
		TTL:       ttl,
	})
}

func TestJWTIssuer_RoundTrip(t *testing.T) {
	issuer := newIssuer("test_secret", time.Hour)

	tokenStr, issued, err := issuer.Issue(Claims{
		Subject: "user-123",
		Email:   "test@example.com",
		Role:    "admin",
	})
	require.NoError(t, err)
	require.NotEmpty(t, tokenStr)
	assert.Equal(t, time.Hour, issued.ExpiresAt.Sub(issued.IssuedAt))

	claims, err := issuer.Validate(tokenStr)
	require.NoError(t, err)

	assert.Equal(t, "user-123", claims.Subject)
	assert.Equal(t, "test@example.com", claims.Email)
	assert.Equal(t, "admin", claims.Role)
	assert.True(t, claims.ExpiresAt.Equal(issued.ExpiresAt))
	assert.True(t, claims.IssuedAt.Equal(issued.IssuedAt))
}

func TestJWTIssuer_Expired(t *testing.T) {
	issuer := newIssuer("test_secret", -time.Minute)

	tokenStr, _, err := issuer.Issue(Claims{Subject: "user-123"})
	require.NoError(t, err)

	_, err = issuer.Validate(tokenStr)
	require.ErrorIs(t, err, ErrExpired)
	assert.NotErrorIs(t, err, ErrInvalid)
}

func TestJWTIssuer_ExpiresAfterTTL(t *testing.T) {
	issuer := newIssuer("test_secret", time.Minute)
	tokenStr, _, err := issuer.Issue(Claims{Subject: "user-123"})
	require.NoError(t, err)

	issuer.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	_, err = issuer.Validate(tokenStr)
	require.ErrorIs(t, err, ErrExpired)
}

func TestJWTIssuer_Invalid(t *testing.T) {
	issuer := newIssuer("test_secret", time.Hour)
	other := newIssuer("other_secret", time.Hour)

	forged, _, err := other.Issue(Claims{Subject: "user-123"})
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "garbage", token: "not-a-token"},
		{name: "empty", token: ""},
		{name: "wrong secret", token: forged},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := issuer.Validate(tt.token)
			require.ErrorIs(t, err, ErrInvalid)
			assert.NotErrorIs(t, err, ErrExpired)
		})
	}
}

func TestJWTIssuer_WrongIssuer(t *testing.T) {
	issuer := newIssuer("test_secret", time.Hour)
	foreign := NewJWTIssuer(JwtConfig{
		Issuer: "someone-else",
		Secret: NewSecretString("test_secret"),
		TTL:    time.Hour,
	})

	tokenStr, _, err := foreign.Issue(Claims{Subject: "user-123"})
	require.NoError(t, err)

	_, err = issuer.Validate(tokenStr)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestJWTIssuer_UnknownAlgorithm(t *testing.T) {
	issuer := NewJWTIssuer(JwtConfig{
		Secret:    NewSecretString("test_secret"),
		Algorithm: "XX999",
		TTL:       time.Hour,
	})

	_, _, err := issuer.Issue(Claims{Subject: "user-123"})
	require.Error(t, err)
}
