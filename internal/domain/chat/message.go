// Package chat defines the conversation, message and message-part domain types.
package chat

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies the author of a message. Roles are fixed once a message exists.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// AttachmentOnlyText is the text substituted for a submission that carries files but no text.
const AttachmentOnlyText = "Sent with attachments"

// Message is one participant's contribution, composed of ordered parts.
type Message struct {
	ID       string         `json:"id"`
	Role     Role           `json:"role"`
	Parts    Parts          `json:"parts"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Text returns the concatenation of all text parts.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// Files returns the file attachments of the message in order.
func (m Message) Files() []FilePart {
	var files []FilePart
	for _, p := range m.Parts {
		if f, ok := p.(FilePart); ok {
			files = append(files, f)
		}
	}
	return files
}

// IsEmpty reports whether the message has neither non-blank text nor attachments.
func (m Message) IsEmpty() bool {
	return strings.TrimSpace(m.Text()) == "" && len(m.Files()) == 0
}

// Clone returns a deep copy of the message. Parts are immutable values, so
// copying the slice is sufficient.
func (m Message) Clone() Message {
	out := m
	out.Parts = append(Parts(nil), m.Parts...)
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// CloneMessages deep-copies a message sequence.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].Clone()
	}
	return out
}

// NewUserMessage builds a user message from composed text and attachments.
// When only files are present the text defaults to AttachmentOnlyText.
func NewUserMessage(text string, files []FilePart) Message {
	if strings.TrimSpace(text) == "" && len(files) > 0 {
		text = AttachmentOnlyText
	}
	parts := make(Parts, 0, len(files)+1)
	for _, f := range files {
		parts = append(parts, f)
	}
	if text != "" {
		parts = append(parts, TextPart{Text: text})
	}
	return Message{ID: NewMessageID(), Role: RoleUser, Parts: parts}
}

// ValidRole reports whether r may appear in a persisted conversation.
func ValidRole(r Role) bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// UnmarshalJSON rejects unknown roles.
func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if !ValidRole(Role(s)) {
		return fmt.Errorf("unknown role %q", s)
	}
	*r = Role(s)
	return nil
}
