// Package identity defines the authenticated principal of a request.
package identity

// Identity is the user behind a session. UserID doubles as the billing customer id.
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
}
