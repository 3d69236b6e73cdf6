// Package memory implements the conversation store in process memory.
// It backs local development and tests; contents are lost on restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/valzu-ai/valzu-chat/internal/domain"
	"github.com/valzu-ai/valzu-chat/internal/domain/chat"
)

// Store implements chatstore.Store with a mutex-guarded map.
type Store struct {
	mu    sync.RWMutex
	chats map[string]*chat.Conversation
	now   func() time.Time
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{chats: make(map[string]*chat.Conversation), now: time.Now}
}

func (s *Store) Create(_ context.Context, msgs []chat.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := chat.NewID()
	now := s.now()
	s.chats[id] = &chat.Conversation{
		ID:        id,
		Messages:  orEmpty(chat.CloneMessages(msgs)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return id, nil
}

func (s *Store) Fetch(_ context.Context, id string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chats[id]
	if !ok {
		return []chat.Message{}, nil
	}
	return orEmpty(chat.CloneMessages(c.Messages)), nil
}

func (s *Store) Get(_ context.Context, id string) (*chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chats[id]
	if !ok {
		return nil, fmt.Errorf("get conversation %s: %w", id, domain.ErrNotFound)
	}
	out := *c
	out.Messages = orEmpty(chat.CloneMessages(c.Messages))
	return &out, nil
}

func (s *Store) Replace(_ context.Context, id string, msgs []chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.chats[id]
	if !ok {
		c = &chat.Conversation{ID: id, CreatedAt: now}
		s.chats[id] = c
	}
	c.Messages = orEmpty(chat.CloneMessages(msgs))
	c.UpdatedAt = now
	return nil
}

func (s *Store) Remove(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[id]; !ok {
		return false, nil
	}
	delete(s.chats, id)
	return true, nil
}

func (s *Store) List(_ context.Context, limit int) ([]chat.Summary, error) {
	if limit <= 0 {
		limit = chat.DefaultListLimit
	}
	s.mu.RLock()
	out := make([]chat.Summary, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, c.Summarize())
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func orEmpty(msgs []chat.Message) []chat.Message {
	if msgs == nil {
		return []chat.Message{}
	}
	return msgs
}
