// Package broadcast defines the publish/subscribe channel that keeps every open
// view of a conversation showing the same message sequence.
package broadcast

import (
	"context"

	"github.com/valzu-ai/valzu-chat/internal/domain/chat"
)

// TypeMessagesUpdate tags a whole-sequence replacement.
const TypeMessagesUpdate = "messages-update"

// Update carries the full message sequence of one conversation.
type Update struct {
	Type     string         `json:"type"`
	ChatID   string         `json:"chatId"`
	Origin   string         `json:"origin"`
	Messages []chat.Message `json:"messages"`
}

// Handler receives updates for a subscribed conversation.
type Handler func(Update)

// Channel is a pub/sub channel keyed by conversation id.
//
// Updates are only delivered to subscribers of the same ChatID, and never to the
// subscriber whose origin equals Update.Origin. There is no ordering or merge
// logic: the last delivered update wins.
type Channel interface {
	Publish(ctx context.Context, u Update) error
	Subscribe(ctx context.Context, chatID, origin string, fn Handler) (cancel func(), err error)
}
