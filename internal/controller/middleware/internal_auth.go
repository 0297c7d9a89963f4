package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// RequireRegistrationSecret guards node registration with a shared
// secret. An empty secret disables the check, for local development.
func RequireRegistrationSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				unauthorized(w, "Missing authorization header")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				unauthorized(w, "Invalid authorization header")
				return
			}

			if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(secret)) != 1 {
				unauthorized(w, "Invalid registration secret")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
