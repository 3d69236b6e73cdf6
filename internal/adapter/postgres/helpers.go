package postgres

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/valzu-ai/valzu-chat/internal/domain"
	"github.com/valzu-ai/valzu-chat/internal/domain/chat"
)

// encodeMessages renders a message sequence for the messages JSONB column.
// A nil sequence is stored as an empty array.
func encodeMessages(msgs []chat.Message) ([]byte, error) {
	if msgs == nil {
		return []byte("[]"), nil
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("encode messages: %w", err)
	}
	return data, nil
}

func decodeMessages(data []byte) ([]chat.Message, error) {
	msgs := []chat.Message{}
	if len(data) == 0 {
		return msgs, nil
	}
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	return msgs, nil
}

// chatRowErr maps a missing row to domain.ErrNotFound.
func chatRowErr(err error, op, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", op, id, domain.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, id, err)
}
