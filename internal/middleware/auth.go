// Package middleware provides bearer-token authentication for mutating
// routes. Tokens are HS256 JWTs signed with the shared auth secret.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the token payload the service understands.
type Claims struct {
	Role string `json:"role"`
	Name string `json:"name"`
	jwt.RegisteredClaims
}

type contextKey struct{ name string }

var claimsKey = &contextKey{"jwt-claims"}

// JWTAuthMiddleware rejects requests that do not carry a valid token
// and attaches the verified claims to the request context.
func JWTAuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				deny(w, "missing token")
				return
			}
			claims, err := verifyToken(secret, raw)
			if err != nil {
				deny(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(
				context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

// GetClaims returns the verified claims for the request, or nil when
// the route ran unauthenticated.
func GetClaims(r *http.Request) *Claims {
	claims, _ := r.Context().Value(claimsKey).(*Claims)
	return claims
}

// bearerToken pulls the token from the Authorization header, falling
// back to the auth_token cookie set by browser frontends.
func bearerToken(r *http.Request) string {
	if raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return raw
	}
	if cookie, err := r.Cookie("auth_token"); err == nil {
		return cookie.Value
	}
	return ""
}

func verifyToken(secret, raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (interface{}, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenUnverifiable
	}
	return claims, nil
}

func deny(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error":%q,"code":%d}`, msg, http.StatusUnauthorized)
}
