// Package localbus is an in-process broadcast channel for single-node deployments.
package localbus

import (
	"context"
	"errors"
	"sync"

	"github.com/valzu-ai/valzu-chat/internal/domain/chat"
	"github.com/valzu-ai/valzu-chat/internal/port/broadcast"
)

type subscriber struct {
	origin string
	fn     broadcast.Handler
}

// Bus fans updates out to subscribers of the same conversation.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]subscriber
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[uint64]subscriber)}
}

// Publish delivers u synchronously to every subscriber of u.ChatID except its origin.
func (b *Bus) Publish(_ context.Context, u broadcast.Update) error {
	if u.ChatID == "" {
		return errors.New("localbus: chat id is required")
	}
	b.mu.RLock()
	targets := make([]broadcast.Handler, 0, len(b.subs[u.ChatID]))
	for _, s := range b.subs[u.ChatID] {
		if s.origin != "" && s.origin == u.Origin {
			continue
		}
		targets = append(targets, s.fn)
	}
	b.mu.RUnlock()

	for _, fn := range targets {
		// Each subscriber gets its own copy so mutations cannot leak across views.
		cp := u
		cp.Messages = chat.CloneMessages(u.Messages)
		fn(cp)
	}
	return nil
}

// Subscribe registers fn for chatID until cancel is called or ctx ends.
func (b *Bus) Subscribe(ctx context.Context, chatID, origin string, fn broadcast.Handler) (func(), error) {
	if chatID == "" {
		return nil, errors.New("localbus: chat id is required")
	}
	if fn == nil {
		return nil, errors.New("localbus: handler is required")
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[chatID] == nil {
		b.subs[chatID] = make(map[uint64]subscriber)
	}
	b.subs[chatID][id] = subscriber{origin: origin, fn: fn}
	b.mu.Unlock()

	remove := sync.OnceFunc(func() {
		b.mu.Lock()
		delete(b.subs[chatID], id)
		if len(b.subs[chatID]) == 0 {
			delete(b.subs, chatID)
		}
		b.mu.Unlock()
	})
	stop := context.AfterFunc(ctx, remove)
	return func() {
		stop()
		remove()
	}, nil
}

// Subscribers reports the number of live subscriptions for chatID.
func (b *Bus) Subscribers(chatID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[chatID])
}
