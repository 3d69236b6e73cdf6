// Package identity defines the authentication collaborator port.
package identity

import (
	"net/http"

	"github.com/valzu-ai/valzu-chat/internal/domain/identity"
)

// Authenticator resolves the session presented by a request.
// It returns (nil, nil) when the request carries no session at all and an
// error when a session is presented but invalid.
type Authenticator interface {
	Authenticate(r *http.Request) (*identity.Identity, error)
}
