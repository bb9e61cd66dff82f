package middleware

import (
	"context"
	"net/http"
	"time"
)

// ExtendedTimeout wraps a handler to apply a longer request context deadline.
// Emission requests can sit in receipt polling well past the timeout that is
// adequate for plain CRUD endpoints, so those routes get their own budget.
// The server's WriteTimeout still applies and must be at least as large.
func ExtendedTimeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
