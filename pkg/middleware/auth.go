package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	UserIDKey   contextKey = "user_id"
	UserNameKey contextKey = "user_name"
)

// TokenValidator checks a bearer token and returns the subject user id
// and display name.
type TokenValidator interface {
	ValidateToken(token string) (userID, userName string, err error)
}

func AuthMiddleware(tokens TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				// WebSocket clients cannot set headers from the browser;
				// allow the token as a query parameter for the /ws route.
				authHeader = "Bearer " + r.URL.Query().Get("token")
			}
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
				http.Error(w, "Authorization required", http.StatusUnauthorized)
				return
			}
			userID, userName, err := tokens.ValidateToken(parts[1])
			if err != nil {
				http.Error(w, "Unauthorized: "+err.Error(), http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), UserIDKey, userID)
			ctx = context.WithValue(ctx, UserNameKey, userName)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
