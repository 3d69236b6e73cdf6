// Package openai implements the model provider port against any
// OpenAI-compatible chat completions endpoint (OpenAI, LiteLLM, OpenRouter).
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/valzu-ai/valzu-chat/internal/config"
	"github.com/valzu-ai/valzu-chat/internal/domain/chat"
	"github.com/valzu-ai/valzu-chat/internal/port/llm"
	"github.com/valzu-ai/valzu-chat/internal/resilience"
)

// Provider streams chat completions through go-openai.
type Provider struct {
	client  *goopenai.Client
	breaker *resilience.Breaker
}

// New creates a provider for the configured gateway.
func New(cfg config.LLM) *Provider {
	oc := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	// Streams are bounded by the request context, not a client timeout.
	oc.HTTPClient = &http.Client{}
	return &Provider{client: goopenai.NewClientWithConfig(oc)}
}

// SetBreaker attaches a circuit breaker to stream creation.
func (p *Provider) SetBreaker(b *resilience.Breaker) {
	p.breaker = b
}

// Stream opens a streamed completion. Errors opening the stream are returned
// directly; errors after the first byte arrive as a chat.ErrorEvent.
func (p *Provider) Stream(ctx context.Context, req llm.Request) (<-chan chat.Event, error) {
	creq := goopenai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.System, req.Messages),
		Stream:   true,
	}

	var stream *goopenai.ChatCompletionStream
	open := func() error {
		var err error
		stream, err = p.client.CreateChatCompletionStream(ctx, creq)
		return err
	}
	var err error
	if p.breaker != nil {
		err = p.breaker.Execute(open)
	} else {
		err = open()
	}
	if err != nil {
		return nil, fmt.Errorf("open stream for %s: %w", req.Model, err)
	}

	events := make(chan chat.Event, 16)
	go pump(ctx, stream, events)
	return events, nil
}

// streamChunk is the subset of a streamed chunk the provider reads. Gateways
// add fields go-openai does not model: reasoning text and web citations.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			Reasoning        string `json:"reasoning"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Citations     []string `json:"citations"`
	SearchResults []struct {
		Title string `json:"title"`
		URL   string `json:"url"`
	} `json:"search_results"`
}

func pump(ctx context.Context, stream *goopenai.ChatCompletionStream, out chan<- chat.Event) {
	defer close(out)
	defer stream.Close()

	seen := make(map[string]bool)
	finish := ""

	emitSource := func(url, title string) bool {
		if url == "" || seen[url] {
			return true
		}
		seen[url] = true
		src := chat.SourcePart{SourceID: fmt.Sprintf("source-%d", len(seen)), URL: url, Title: title}
		return send(ctx, out, chat.SourceEvent{Source: src})
	}

	for {
		raw, err := stream.RecvRaw()
		if errors.Is(err, io.EOF) {
			if finish == "" {
				finish = "stop"
			}
			send(ctx, out, chat.Done{FinishReason: finish})
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			send(ctx, out, chat.ErrorEvent{Err: fmt.Errorf("model stream: %w", err)})
			return
		}

		var chunk streamChunk
		if err := json.Unmarshal(raw, &chunk); err != nil {
			slog.WarnContext(ctx, "skipping undecodable stream chunk", "error", err)
			continue
		}

		for _, r := range chunk.SearchResults {
			if !emitSource(r.URL, r.Title) {
				return
			}
		}
		for _, c := range chunk.Citations {
			if !emitSource(c, "") {
				return
			}
		}
		for _, choice := range chunk.Choices {
			reasoning := choice.Delta.ReasoningContent
			if reasoning == "" {
				reasoning = choice.Delta.Reasoning
			}
			if reasoning != "" && !send(ctx, out, chat.ReasoningDelta{Text: reasoning}) {
				return
			}
			if choice.Delta.Content != "" && !send(ctx, out, chat.TextDelta{Text: choice.Delta.Content}) {
				return
			}
			if choice.FinishReason != "" {
				finish = choice.FinishReason
			}
		}
	}
}

func send(ctx context.Context, out chan<- chat.Event, ev chat.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// toOpenAIMessages flattens the conversation into chat completion messages.
// Reasoning and source parts are not sent back to the model.
func toOpenAIMessages(system string, msgs []chat.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range msgs {
		switch m.Role {
		case chat.RoleUser:
			out = append(out, userMessage(m))
		case chat.RoleAssistant:
			out = append(out, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleAssistant, Content: m.Text()})
		case chat.RoleSystem:
			out = append(out, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: m.Text()})
		}
	}
	return out
}

func userMessage(m chat.Message) goopenai.ChatCompletionMessage {
	files := m.Files()
	if len(files) == 0 {
		return goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: m.Text()}
	}

	parts := make([]goopenai.ChatMessagePart, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch v := p.(type) {
		case chat.TextPart:
			parts = append(parts, goopenai.ChatMessagePart{Type: goopenai.ChatMessagePartTypeText, Text: v.Text})
		case chat.FilePart:
			if strings.HasPrefix(v.MediaType, "image/") {
				parts = append(parts, goopenai.ChatMessagePart{
					Type:     goopenai.ChatMessagePartTypeImageURL,
					ImageURL: &goopenai.ChatMessageImageURL{URL: v.URL, Detail: goopenai.ImageURLDetailAuto},
				})
				continue
			}
			parts = append(parts, goopenai.ChatMessagePart{
				Type: goopenai.ChatMessagePartTypeText,
				Text: fmt.Sprintf("[attachment %s (%s): %s]", v.Filename, v.MediaType, v.URL),
			})
		case chat.ReasoningPart, chat.SourcePart:
		}
	}
	return goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, MultiContent: parts}
}
