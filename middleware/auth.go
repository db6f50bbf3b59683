package middleware

import (
	"context"
	"docrelay/core"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type contextKey string

const IdentityContextKey = contextKey("identity")

// IdentityFrom returns the caller stored by AuthJWT.
func IdentityFrom(ctx context.Context) (*core.Identity, bool) {
	identity, ok := ctx.Value(IdentityContextKey).(*core.Identity)
	return identity, ok && identity != nil
}

// WithIdentity returns a copy of ctx carrying identity.
func WithIdentity(ctx context.Context, identity *core.Identity) context.Context {
	return context.WithValue(ctx, IdentityContextKey, identity)
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" value.
func BearerToken(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// AuthJWT rejects requests without a verifiable bearer token.
func AuthJWT(verifier core.IdentityVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"error": "Authorization header is required"})
				return
			}

			tokenString, ok := BearerToken(authHeader)
			if !ok {
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"error": "Authorization header format must be Bearer {token}"})
				return
			}

			identity, err := verifier.Verify(r.Context(), tokenString)
			if err != nil {
				logrus.WithError(err).Debug("rejected bearer token")
				render.Status(r, http.StatusUnauthorized)
				render.JSON(w, r, map[string]string{"error": "Invalid token"})
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}
