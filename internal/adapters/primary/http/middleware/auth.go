package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/lorrc/service-desk-collab/internal/core/domain"
	apperrors "github.com/lorrc/service-desk-collab/internal/core/errors"
	"github.com/lorrc/service-desk-collab/internal/core/ports"
	"github.com/lorrc/service-desk-collab/internal/infrastructure/logging"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// IdentityKey is the key used to store the verified identity in the request context.
const IdentityKey contextKey = "identity"

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// JWTMiddleware verifies the bearer token from the Authorization header.
func JWTMiddleware(verifier ports.IdentityVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				unauthorized(w, r, "Authorization header format must be Bearer {token}")
				return
			}

			identity, err := verifier.Verify(r.Context(), token)
			if err != nil {
				unauthorized(w, r, "Invalid or expired token")
				return
			}

			// Add the identity to the context for downstream handlers to use.
			ctx := context.WithValue(r.Context(), IdentityKey, identity)
			ctx = logging.WithUserID(ctx, identity.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects identities ranked below min. It must run after JWTMiddleware.
func RequireRole(min domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := GetIdentity(r.Context())
			if !ok {
				unauthorized(w, r, "Authentication required")
				return
			}
			if !identity.Role.AtLeast(min) {
				WriteProblem(w, r, http.StatusForbidden, Problem{
					Error: "Role " + string(identity.Role) + " may not perform this action",
					Code:  apperrors.CodeForbidden,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetIdentity retrieves the verified identity from the context.
func GetIdentity(ctx context.Context) (domain.Identity, bool) {
	identity, ok := ctx.Value(IdentityKey).(domain.Identity)
	return identity, ok
}

func unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="collab"`)
	WriteProblem(w, r, http.StatusUnauthorized, Problem{Error: message, Code: apperrors.CodeUnauthorized})
}
