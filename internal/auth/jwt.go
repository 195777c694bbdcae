package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lorrc/service-desk-collab/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-collab/internal/core/errors"
	"github.com/lorrc/service-desk-collab/internal/core/ports"
)

// Claims is the portal access token payload. The subject is the identity id.
type Claims struct {
	Name string `json:"name"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Option adjusts token issuance and verification.
type Option func(*TokenManager)

// WithIssuer stamps iss on issued tokens and requires it on verified ones.
func WithIssuer(iss string) Option {
	return func(tm *TokenManager) { tm.issuer = iss }
}

// WithAudience stamps aud on issued tokens and requires it on verified ones.
func WithAudience(aud string) Option {
	return func(tm *TokenManager) { tm.audience = aud }
}

// WithLeeway tolerates clock skew between the portal and this service.
func WithLeeway(d time.Duration) Option {
	return func(tm *TokenManager) { tm.leeway = d }
}

// TokenManager verifies HS256 portal access tokens. Issuance belongs to the
// portal; GenerateToken serves tooling and tests.
type TokenManager struct {
	secret   []byte
	ttl      time.Duration
	issuer   string
	audience string
	leeway   time.Duration
	parser   *jwt.Parser
}

var _ ports.IdentityVerifier = (*TokenManager)(nil)

// NewTokenManager builds a manager for secret. A non-positive ttl means one
// hour.
func NewTokenManager(secret string, ttl time.Duration, opts ...Option) *TokenManager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	tm := &TokenManager{secret: []byte(secret), ttl: ttl}
	for _, opt := range opts {
		opt(tm)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(tm.leeway),
	}
	if tm.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(tm.issuer))
	}
	if tm.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(tm.audience))
	}
	tm.parser = jwt.NewParser(parserOpts...)
	return tm
}

// GenerateToken signs an access token for identity.
func (tm *TokenManager) GenerateToken(identity domain.Identity) (string, error) {
	now := time.Now()
	claims := Claims{
		Name: identity.DisplayName,
		Role: string(identity.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    tm.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.ttl)),
		},
	}
	if tm.audience != "" {
		claims.Audience = jwt.ClaimStrings{tm.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
}

// ValidateToken checks the signature and registered claims of raw.
func (tm *TokenManager) ValidateToken(raw string) (*Claims, error) {
	var claims Claims
	if _, err := tm.parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return tm.secret, nil
	}); err != nil {
		return nil, err
	}
	return &claims, nil
}

// Verify turns a bearer token into an identity. Every rejection wraps
// ErrAuthFailed.
func (tm *TokenManager) Verify(ctx context.Context, credential string) (domain.Identity, error) {
	reject := func(format string, args ...any) (domain.Identity, error) {
		return domain.Identity{}, fmt.Errorf("%w: %s", apperrors.ErrAuthFailed, fmt.Sprintf(format, args...))
	}
	if err := ctx.Err(); err != nil {
		return reject("%v", err)
	}
	if credential == "" {
		return reject("missing token")
	}

	claims, err := tm.ValidateToken(credential)
	if err != nil {
		return reject("%v", err)
	}
	if claims.Subject == "" {
		return reject("token has no subject")
	}
	role, ok := domain.ParseRole(claims.Role)
	if !ok {
		return reject("unknown role %q", claims.Role)
	}
	return domain.Identity{UserID: claims.Subject, DisplayName: claims.Name, Role: role}, nil
}
