package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// claims is the shape of the JWT issued by the User Management service.
type claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Middleware returns an HTTP middleware that authenticates the caller via a
// Bearer JWT signed with the configured HMAC secret, and stores the
// resulting Identity in the request context. Requests with no bearer token
// proceed unauthenticated; use RequireAuth to reject them. A bearer token
// that fails validation, or whose sub claim is not a UUID, gets a 401 here.
func Middleware(signingSecret string, logger *slog.Logger) func(http.Handler) http.Handler {
	key := []byte(signingSecret)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") && !strings.HasPrefix(authHeader, "bearer ") {
				next.ServeHTTP(w, r)
				return
			}

			rawToken := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(authHeader, "Bearer "), "bearer "))
			if rawToken == "" {
				next.ServeHTTP(w, r)
				return
			}

			var c claims
			token, err := jwt.ParseWithClaims(rawToken, &c, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrTokenSignatureInvalid
				}
				return key, nil
			})
			if err != nil || !token.Valid {
				logger.Warn("bearer token validation failed", "error", err)
				respondErr(w, http.StatusUnauthorized, "unauthorized", "invalid bearer token")
				return
			}

			userID, err := uuid.Parse(c.Subject)
			if err != nil {
				respondErr(w, http.StatusUnauthorized, "unauthorized", "token missing sub claim")
				return
			}

			role := c.Role
			if role == "" || !IsValidRole(role) {
				role = RoleUser
			}

			identity := &Identity{
				UserID: userID,
				Email:  c.Email,
				Role:   role,
			}

			ctx := NewContext(r.Context(), identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func respondErr(w http.ResponseWriter, status int, errStr, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   errStr,
		"message": message,
	})
}
