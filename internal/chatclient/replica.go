package chatclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/valzu-ai/valzu-chat/internal/domain/chat"
	"github.com/valzu-ai/valzu-chat/internal/port/broadcast"
)

// State is a message sequence that can be observed and replaced. Session implements it.
type State interface {
	Messages() []chat.Message
	ApplyRemote(msgs []chat.Message)
	OnChange(fn func(Change)) (cancel func())
}

// Replica mirrors a State across every view of the same conversation.
//
// Local changes are published as a whole sequence. Remote sequences replace the
// local one without being published again, so an update travels a single hop.
// There is no merge: the last update applied wins.
type Replica struct {
	ctx     context.Context
	chatID  string
	origin  string
	channel broadcast.Channel

	closeOnce sync.Once
	unwatch   func()
	unsub     func()
}

// NewReplica binds state to channel for chatID until ctx ends or Close is called.
func NewReplica(ctx context.Context, state State, channel broadcast.Channel, chatID string) (*Replica, error) {
	if chatID == "" {
		return nil, fmt.Errorf("replica: chat id is required")
	}
	r := &Replica{
		ctx:     ctx,
		chatID:  chatID,
		origin:  uuid.NewString(),
		channel: channel,
	}

	unsub, err := channel.Subscribe(ctx, chatID, r.origin, func(u broadcast.Update) {
		if u.Type != broadcast.TypeMessagesUpdate || u.ChatID != r.chatID || u.Origin == r.origin {
			return
		}
		state.ApplyRemote(u.Messages)
	})
	if err != nil {
		return nil, fmt.Errorf("replica subscribe %s: %w", chatID, err)
	}
	r.unsub = unsub
	r.unwatch = state.OnChange(r.publish)

	context.AfterFunc(ctx, r.Close)
	return r, nil
}

// Origin identifies this replica on the channel.
func (r *Replica) Origin() string { return r.origin }

func (r *Replica) publish(c Change) {
	if c.Remote || r.ctx.Err() != nil {
		return
	}
	err := r.channel.Publish(r.ctx, broadcast.Update{
		Type:     broadcast.TypeMessagesUpdate,
		ChatID:   r.chatID,
		Origin:   r.origin,
		Messages: c.Messages,
	})
	if err != nil {
		slog.Warn("replica publish failed", "chat_id", r.chatID, "error", err)
	}
}

// Close detaches the replica from both the state and the channel.
func (r *Replica) Close() {
	r.closeOnce.Do(func() {
		r.unwatch()
		r.unsub()
	})
}
