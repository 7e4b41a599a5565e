package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/mythosmud/server/internal/auth"
)

// ContextKey is a custom type for context keys
type ContextKey string

const (
	PlayerIDKey   ContextKey = "playerID"
	PlayerNameKey ContextKey = "playerName"
	IsAdminKey    ContextKey = "isAdmin"
	ClaimsKey     ContextKey = "claims"
)

// BearerToken extracts the bearer token from the Authorization header.
// Returns "" when the header is missing or malformed.
func BearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

// SessionAuth is middleware that validates session tokens
func SessionAuth(validator *auth.Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				http.Error(w, `{"error": "missing authorization header"}`, http.StatusUnauthorized)
				return
			}

			claims, err := validator.Validate(token)
			if err != nil {
				if err == auth.ErrExpiredToken {
					http.Error(w, `{"error": "token expired"}`, http.StatusUnauthorized)
					return
				}
				http.Error(w, `{"error": "invalid token"}`, http.StatusUnauthorized)
				return
			}

			ctx := r.Context()
			ctx = context.WithValue(ctx, PlayerIDKey, claims.PlayerID)
			ctx = context.WithValue(ctx, PlayerNameKey, claims.Name)
			ctx = context.WithValue(ctx, IsAdminKey, claims.IsAdmin)
			ctx = context.WithValue(ctx, ClaimsKey, claims)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetPlayerID gets the player id from the context
func GetPlayerID(ctx context.Context) string {
	if id, ok := ctx.Value(PlayerIDKey).(string); ok {
		return id
	}
	return ""
}

// GetPlayerName gets the player display name from the context
func GetPlayerName(ctx context.Context) string {
	if name, ok := ctx.Value(PlayerNameKey).(string); ok {
		return name
	}
	return ""
}

// IsAdmin checks if the player has the admin flag
func IsAdmin(ctx context.Context) bool {
	if isAdmin, ok := ctx.Value(IsAdminKey).(bool); ok {
		return isAdmin
	}
	return false
}

// RequireAdmin is middleware that requires the admin flag
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsAdmin(r.Context()) {
			http.Error(w, `{"error": "admin access required"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
