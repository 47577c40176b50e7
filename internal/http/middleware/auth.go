package middleware

import (
	"crypto/subtle"
	"net/http"
)

type contextKey string

const AdminKey contextKey = "admin"

// HookTokenHeader carries the shared secret of post-save hooks.
const HookTokenHeader = "X-Hook-Token"

func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		admin, _ := r.Context().Value(AdminKey).(string)
		if admin == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireHookToken rejects requests whose hook token does not match. An
// empty token disables the endpoint.
func RequireHookToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(HookTokenHeader)
			if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
