package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lorrc/service-desk-collab/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-collab/internal/core/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var agent = domain.Identity{UserID: "agent-7", DisplayName: "Alex", Role: domain.RoleAgent}

func TestTokenManager_UsesConfiguredTTL(t *testing.T) {
	ttl := 2 * time.Hour
	tm := NewTokenManager("test-secret", ttl)

	start := time.Now()

	token, err := tm.GenerateToken(agent)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := tm.ValidateToken(token)
	require.NoError(t, err)
	require.NotNil(t, claims.ExpiresAt)

	expectedExpiry := start.Add(ttl)
	assert.WithinDuration(t, expectedExpiry, claims.ExpiresAt.Time, 2*time.Second)
}

func TestTokenManager_VerifyRoundTrip(t *testing.T) {
	tm := NewTokenManager("test-secret", time.Hour)

	token, err := tm.GenerateToken(agent)
	require.NoError(t, err)

	identity, err := tm.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, agent, identity)
}

func TestTokenManager_VerifyRejects(t *testing.T) {
	tm := NewTokenManager("test-secret", time.Hour)

	signed := func(t *testing.T, secret string, claims jwt.Claims) string {
		t.Helper()
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return s
	}
	valid := jwt.RegisteredClaims{Subject: "agent-7", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"wrong secret", signed(t, "other-secret", &Claims{Role: "agent", RegisteredClaims: valid})},
		{"expired", signed(t, "test-secret", &Claims{Role: "agent", RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "agent-7",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		}})},
		{"no expiry", signed(t, "test-secret", &Claims{Role: "agent", RegisteredClaims: jwt.RegisteredClaims{Subject: "agent-7"}})},
		{"unknown role", signed(t, "test-secret", &Claims{Role: "root", RegisteredClaims: valid})},
		{"no subject", signed(t, "test-secret", &Claims{Role: "agent", RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}})},
		{"unsigned", func() string {
			s, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{Role: "agent", RegisteredClaims: valid}).
				SignedString(jwt.UnsafeAllowNoneSignatureType)
			require.NoError(t, err)
			return s
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tm.Verify(context.Background(), tt.token)
			assert.ErrorIs(t, err, apperrors.ErrAuthFailed)
		})
	}
}

func TestTokenManager_IssuerAndAudience(t *testing.T) {
	portal := NewTokenManager("test-secret", time.Hour, WithIssuer("portal"), WithAudience("collab"))
	other := NewTokenManager("test-secret", time.Hour, WithIssuer("billing"), WithAudience("collab"))
	plain := NewTokenManager("test-secret", time.Hour)

	token, err := portal.GenerateToken(agent)
	require.NoError(t, err)

	identity, err := portal.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, agent, identity)

	_, err = other.Verify(context.Background(), token)
	assert.ErrorIs(t, err, apperrors.ErrAuthFailed)

	plainToken, err := plain.GenerateToken(agent)
	require.NoError(t, err)
	_, err = portal.Verify(context.Background(), plainToken)
	assert.ErrorIs(t, err, apperrors.ErrAuthFailed, "issuer is required once configured")
}

func TestTokenManager_Leeway(t *testing.T) {
	justExpired := &Claims{Role: "agent", RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "agent-7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-10 * time.Second)),
	}}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, justExpired).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = NewTokenManager("test-secret", time.Hour).Verify(context.Background(), raw)
	assert.ErrorIs(t, err, apperrors.ErrAuthFailed)

	_, err = NewTokenManager("test-secret", time.Hour, WithLeeway(time.Minute)).Verify(context.Background(), raw)
	assert.NoError(t, err)
}
