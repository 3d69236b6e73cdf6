package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/valzu-ai/valzu-chat/internal/domain/identity"
	identityport "github.com/valzu-ai/valzu-chat/internal/port/identity"
)

type identityCtxKey struct{}

// LocalIdentity is injected when authentication is not required, so usage
// accounting and logging still have a customer id.
var LocalIdentity = &identity.Identity{UserID: "local", Email: "local@localhost", Name: "Local"}

// Auth returns middleware that resolves the caller's session through authn
// and stores the identity in the request context.
//
// A request without a session passes through with no identity; handlers that
// need one wrap themselves in RequireIdentity. A presented but invalid session
// is rejected with 401. When required is false, anonymous callers get
// LocalIdentity.
func Auth(authn identityport.Authenticator, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var ident *identity.Identity
			if authn != nil {
				var err error
				ident, err = authn.Authenticate(r)
				if err != nil {
					slog.DebugContext(r.Context(), "session rejected", "error", err)
					writeJSONError(w, http.StatusUnauthorized, "invalid session")
					return
				}
			}
			if ident == nil && !required {
				ident = LocalIdentity
			}
			if ident == nil {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), ident)))
		})
	}
}

// RequireIdentity rejects requests that carry no identity with 401.
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if IdentityFromContext(r.Context()) == nil {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithIdentity stores an identity in the context.
func WithIdentity(ctx context.Context, ident *identity.Identity) context.Context {
	return context.WithValue(ctx, identityCtxKey{}, ident)
}

// IdentityFromContext returns the authenticated identity, or nil.
func IdentityFromContext(ctx context.Context) *identity.Identity {
	ident, _ := ctx.Value(identityCtxKey{}).(*identity.Identity)
	return ident
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
