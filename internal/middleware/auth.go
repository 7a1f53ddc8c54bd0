package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// Push authentication modes.
const (
	AuthModeNone  = "none"
	AuthModeOIDC  = "oidc"
	AuthModeHS256 = "hs256"
)

type claimsKey struct{}

// ClaimsFromContext returns the push token claims stored by PushAuth.
func ClaimsFromContext(ctx context.Context) (*TokenClaims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*TokenClaims)
	return c, ok
}

// PushAuth requires a valid bearer token. When email is set, the token must
// carry that verified email, which pins pushes to one service account.
func PushAuth(validator TokenValidator, email string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || token == "" {
				writeUnauthorized(w, "missing bearer token")
				return
			}

			claims, err := validator.Validate(r.Context(), token)
			if err != nil {
				logger.Warn("push token rejected", "request_id", RequestIDFromContext(r.Context()), "error", err)
				writeUnauthorized(w, "invalid push token")
				return
			}
			if email != "" && (claims.Email != email || !claims.EmailVerified) {
				logger.Warn("push token from unexpected principal",
					"request_id", RequestIDFromContext(r.Context()), "email", claims.Email)
				writeUnauthorized(w, "push token principal not allowed")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":    401,
		"message": "unauthorized: " + msg,
	})
}
