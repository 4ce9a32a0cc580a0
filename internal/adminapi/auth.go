package adminapi

import (
	"context"
	"net/http"
	"strings"

	"shadowsync/pkg/hash"
	"shadowsync/pkg/jwt"
	"shadowsync/pkg/response"
)

type contextKey string

const principalKey contextKey = "adminapi_principal"

// BearerAuth wraps next, accepting either a short-lived JWT session token
// (issued by POST /auth/login) or a long-lived "shd_" CLI token (issued by
// POST /auth/cli-tokens). Adapted from the teacher's AuthMiddleware and
// CLIAuthMiddleware, folded into one handler since this surface has a
// single operator rather than a multi-tenant user base.
func BearerAuth(jwtSecret string, tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				response.Unauthorized(w, "missing authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				response.Unauthorized(w, "invalid authorization header format")
				return
			}
			token := parts[1]

			if strings.HasPrefix(token, tokenPrefix) {
				t, err := tokens.Validate(r.Context(), token)
				if err != nil {
					response.Unauthorized(w, "invalid or revoked token")
					return
				}
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, t.ID)))
				return
			}

			claims, err := jwt.ValidateToken(token, jwtSecret)
			if err != nil {
				response.Unauthorized(w, "invalid or expired session token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, claims.UserID)))
		})
	}
}

// CheckOperatorPassword compares password against the bcrypt hash carried
// in config.Snapshot.Admin.OperatorPasswordHash.
func CheckOperatorPassword(hashed, password string) error {
	return hash.Compare(hashed, password)
}
