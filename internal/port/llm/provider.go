// Package llm defines the language-model provider port.
package llm

import (
	"context"

	"github.com/valzu-ai/valzu-chat/internal/domain/chat"
)

// Request is one streamed completion request.
type Request struct {
	Model     string
	Messages  []chat.Message
	System    string
	WebSearch bool
}

// Provider streams a model response.
//
// The returned channel yields zero or more delta events followed by exactly one
// chat.Done or chat.ErrorEvent, and is then closed. The stream is not restartable.
// Cancelling ctx stops production; the channel is still closed.
type Provider interface {
	Stream(ctx context.Context, req Request) (<-chan chat.Event, error)
}
