// Package middleware provides HTTP middleware for valzu-chat.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/valzu-ai/valzu-chat/internal/logger"
)

const requestIDHeader = "X-Request-ID"

// RequestID tags every request with an id for log correlation. A client
// supplied X-Request-ID is kept when it is a short token of letters, digits,
// '-', '_' or '.'; anything else is replaced by a fresh UUID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}
