package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/valzu-ai/valzu-chat/internal/domain"
	"github.com/valzu-ai/valzu-chat/internal/domain/chat"
)

// Store implements chatstore.Store on the chats table.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

func (s *Store) Create(ctx context.Context, msgs []chat.Message) (string, error) {
	data, err := encodeMessages(msgs)
	if err != nil {
		return "", err
	}
	id := chat.NewID()
	now := s.now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO chats (chat_id, messages, created_at, updated_at) VALUES ($1, $2, $3, $3)`,
		id, data, now)
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return id, nil
}

func (s *Store) Fetch(ctx context.Context, id string) ([]chat.Message, error) {
	conv, err := s.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return []chat.Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	return conv.Messages, nil
}

func (s *Store) Get(ctx context.Context, id string) (*chat.Conversation, error) {
	var (
		data []byte
		conv = chat.Conversation{ID: id}
	)
	err := s.pool.QueryRow(ctx,
		`SELECT messages, created_at, updated_at FROM chats WHERE chat_id = $1`, id,
	).Scan(&data, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, chatRowErr(err, "get conversation", id)
	}
	if conv.Messages, err = decodeMessages(data); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	return &conv, nil
}

// Replace overwrites the message sequence, inserting the row if absent.
// created_at is only written on insert.
func (s *Store) Replace(ctx context.Context, id string, msgs []chat.Message) error {
	data, err := encodeMessages(msgs)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	_, err = s.pool.Exec(ctx,
		`INSERT INTO chats (chat_id, messages, created_at, updated_at) VALUES ($1, $2, $3, $3)
		 ON CONFLICT (chat_id) DO UPDATE SET messages = EXCLUDED.messages, updated_at = EXCLUDED.updated_at`,
		id, data, now)
	if err != nil {
		return fmt.Errorf("replace conversation %s: %w", id, err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM chats WHERE chat_id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) List(ctx context.Context, limit int) ([]chat.Summary, error) {
	if limit <= 0 {
		limit = chat.DefaultListLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT chat_id, jsonb_array_length(messages), updated_at
		 FROM chats ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	result := []chat.Summary{}
	for rows.Next() {
		var sum chat.Summary
		if err := rows.Scan(&sum.ID, &sum.MessageCount, &sum.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		result = append(result, sum)
	}
	return result, rows.Err()
}

// Ping checks database connectivity for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
