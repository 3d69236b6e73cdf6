// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict. Conversation history
// writes are last-write-wins, so no store currently returns it.
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates the caller supplied invalid input.
var ErrValidation = errors.New("validation failed")

// ErrQuotaExceeded indicates the identity has no remaining balance for a metered feature.
var ErrQuotaExceeded = errors.New("quota exceeded")

// ErrUnauthorized indicates the request carries no valid identity.
var ErrUnauthorized = errors.New("unauthorized")
