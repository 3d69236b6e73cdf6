// Package chatstore defines the conversation store port (interface).
package chatstore

import (
	"context"

	"github.com/valzu-ai/valzu-chat/internal/domain/chat"
)

// Store persists conversations as whole documents keyed by conversation id.
// Writes are last-write-wins: Replace has no version check, so two turns racing
// on the same id can overwrite each other.
type Store interface {
	// Create inserts a new conversation seeded with msgs and returns its id.
	Create(ctx context.Context, msgs []chat.Message) (string, error)

	// Fetch returns the ordered messages of a conversation. An unknown id
	// yields an empty slice and no error.
	Fetch(ctx context.Context, id string) ([]chat.Message, error)

	// Get returns the full conversation or domain.ErrNotFound.
	Get(ctx context.Context, id string) (*chat.Conversation, error)

	// Replace overwrites the message sequence, inserting the conversation if absent.
	Replace(ctx context.Context, id string, msgs []chat.Message) error

	// Remove deletes a conversation and reports whether anything was removed.
	Remove(ctx context.Context, id string) (bool, error)

	// List returns up to limit summaries, most recently updated first.
	List(ctx context.Context, limit int) ([]chat.Summary, error)
}
