package chat

import (
	"crypto/rand"
	"time"
)

// DefaultListLimit is the sidebar size used when no explicit limit is given.
const DefaultListLimit = 50

// Conversation is a named sequence of turns identified by an opaque id.
type Conversation struct {
	ID        string    `json:"id"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Summary is the sidebar view of a conversation.
type Summary struct {
	ID           string    `json:"chatId"`
	MessageCount int       `json:"messageCount"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Summarize builds a Summary, falling back to CreatedAt when UpdatedAt is unset.
func (c *Conversation) Summarize() Summary {
	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = c.CreatedAt
	}
	return Summary{ID: c.ID, MessageCount: len(c.Messages), UpdatedAt: updated}
}

// CreateRequest is the body of the conversation create endpoint.
type CreateRequest struct {
	InitialMessages []Message `json:"initialMessages,omitempty"`
}

// CreateResponse is returned by the conversation create endpoint.
type CreateResponse struct {
	ChatID string `json:"chatId"`
}

// SendRequest is the body of the chat send endpoint. Only the newest message
// travels; history is rehydrated from the store.
type SendRequest struct {
	Message   Message `json:"message"`
	ID        string  `json:"id"`
	Model     string  `json:"model"`
	WebSearch bool    `json:"webSearch"`
}

// DeleteResponse is returned by the conversation delete endpoint.
type DeleteResponse struct {
	Deleted bool `json:"deleted"`
}

const idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// NewID returns a random 16-character alphanumeric conversation id.
func NewID() string {
	return randomString(16)
}

// NewMessageID returns a random message id of the form "msg-<16 chars>".
func NewMessageID() string {
	return "msg-" + randomString(16)
}

func randomString(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic("chat: crypto/rand unavailable: " + err.Error())
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(buf)
}
