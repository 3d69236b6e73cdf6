package middleware

import (
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// ForwardedFor rewrites RemoteAddr from X-Forwarded-For / X-Real-IP when the
// server sits behind a trusted proxy. Otherwise the headers are left alone,
// since any client can set them.
func ForwardedFor(trustProxy bool) func(http.Handler) http.Handler {
	if !trustProxy {
		return func(next http.Handler) http.Handler { return next }
	}
	return chimw.RealIP
}
