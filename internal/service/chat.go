package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/valzu-ai/valzu-chat/internal/adapter/otel"
	"github.com/valzu-ai/valzu-chat/internal/config"
	"github.com/valzu-ai/valzu-chat/internal/domain"
	"github.com/valzu-ai/valzu-chat/internal/domain/chat"
	"github.com/valzu-ai/valzu-chat/internal/domain/identity"
	"github.com/valzu-ai/valzu-chat/internal/port/chatstore"
	"github.com/valzu-ai/valzu-chat/internal/port/llm"
)

const (
	maxListLimit   = 200
	persistTimeout = 10 * time.Second
)

// Sink receives the live assistant stream of one turn.
type Sink interface {
	// Start announces the assistant message id before the first event.
	Start(messageID string) error
	// Event forwards one smoothed stream event, including the terminal one.
	Event(ev chat.Event) error
}

// TurnResult describes how a turn ended once streaming began.
type TurnResult struct {
	ChatID    string
	Model     string
	Assistant chat.Message
	// Messages is the persisted sequence; nil unless Outcome is completed.
	Messages []chat.Message
	Outcome  string
	Err      error
}

// ChatService runs chat turns against the model provider and the conversation store.
type ChatService struct {
	store    chatstore.Store
	provider llm.Provider
	usage    *UsageService
	metrics  *otel.Metrics
	cfg      config.LLM
	// catalog holds the selectable model ids; empty accepts any model.
	catalog map[string]bool
}

// NewChatService creates a ChatService. usage and metrics may be nil.
func NewChatService(store chatstore.Store, provider llm.Provider, usage *UsageService, metrics *otel.Metrics, cfg config.LLM) *ChatService {
	s := &ChatService{store: store, provider: provider, usage: usage, metrics: metrics, cfg: cfg}
	if len(cfg.Models) > 0 {
		s.catalog = map[string]bool{cfg.DefaultModel: true}
		for _, c := range cfg.Models {
			for _, m := range c.Models {
				s.catalog[m.ID] = true
			}
		}
	}
	return s
}

// Models returns the configured catalog and the model used when a request
// names none.
func (s *ChatService) Models() (categories []config.ModelCategory, defaultModel string) {
	return s.cfg.Models, s.cfg.DefaultModel
}

// ResolveModel picks the model for a request: web search forces the search
// model, otherwise an empty choice falls back to the default.
func (s *ChatService) ResolveModel(requested string, webSearch bool) string {
	if webSearch && s.cfg.WebSearchModel != "" {
		return s.cfg.WebSearchModel
	}
	if requested == "" {
		return s.cfg.DefaultModel
	}
	return requested
}

// Send runs one turn: gate, rehydrate history, stream the reply into sink and,
// only when the model finishes, persist history ++ [user, assistant] and
// consume one message. Errors returned before streaming starts mean nothing was
// sent to sink. Once streaming starts the outcome is reported in TurnResult.
func (s *ChatService) Send(ctx context.Context, ident *identity.Identity, req chat.SendRequest, sink Sink) (*TurnResult, error) {
	if req.ID == "" {
		return nil, fmt.Errorf("%w: chat id is required", domain.ErrValidation)
	}
	msg := req.Message.Clone()
	if msg.IsEmpty() {
		return nil, fmt.Errorf("%w: message is empty", domain.ErrValidation)
	}
	msg.Role = chat.RoleUser
	if msg.ID == "" {
		msg.ID = chat.NewMessageID()
	}
	if req.Model != "" && s.catalog != nil && !s.catalog[req.Model] {
		return nil, fmt.Errorf("%w: unknown model %q", domain.ErrValidation, req.Model)
	}
	model := s.ResolveModel(req.Model, req.WebSearch)

	if err := s.usage.Authorize(ctx, ident); err != nil {
		if errors.Is(err, domain.ErrQuotaExceeded) {
			s.metrics.Blocked(ctx)
		}
		return nil, err
	}

	history, err := s.store.Fetch(ctx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	messages := append(chat.CloneMessages(history), msg)

	ctx, span := otel.StartTurnSpan(ctx, req.ID, model, req.WebSearch)
	defer span.End()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := s.provider.Stream(ctx, llm.Request{
		Model:     model,
		Messages:  messages,
		System:    s.cfg.SystemPrompt,
		WebSearch: req.WebSearch,
	})
	if err != nil {
		return nil, fmt.Errorf("start model stream: %w", err)
	}

	start := time.Now()
	s.metrics.TurnStarted(ctx, model)
	res := &TurnResult{ChatID: req.ID, Model: model}
	acc := chat.NewAccumulator("")

	var (
		done      bool
		streamErr error
	)
	sinkErr := sink.Start(acc.Message().ID)
	if sinkErr != nil {
		cancel()
	} else {
		for ev := range Smooth(ctx, events, s.cfg.SmoothDelay) {
			acc.Apply(ev)
			if err := sink.Event(ev); err != nil {
				sinkErr = err
				cancel()
				break
			}
			switch e := ev.(type) {
			case chat.Done:
				done = true
			case chat.ErrorEvent:
				streamErr = e.Err
			}
		}
	}
	res.Assistant = acc.Message()

	switch {
	case done:
		final := append(messages, res.Assistant)
		res.Outcome, res.Err = s.complete(ctx, ident, req.ID, final)
		if res.Err == nil {
			res.Messages = final
		}
	case streamErr != nil:
		res.Outcome, res.Err = otel.OutcomeFailed, streamErr
		slog.Warn("chat turn failed", "chat_id", req.ID, "model", model, "error", streamErr)
	case sinkErr != nil || ctx.Err() != nil:
		res.Outcome = otel.OutcomeStopped
		slog.Info("chat turn stopped", "chat_id", req.ID, "model", model)
	default:
		res.Outcome, res.Err = otel.OutcomeFailed, errors.New("model stream ended without a terminal event")
		slog.Warn("chat turn failed", "chat_id", req.ID, "model", model, "error", res.Err)
		if err := sink.Event(chat.ErrorEvent{Err: res.Err}); err != nil {
			slog.Debug("error frame not delivered", "chat_id", req.ID, "error", err)
		}
	}
	s.metrics.TurnEnded(context.WithoutCancel(ctx), model, res.Outcome, time.Since(start))
	return res, nil
}

// complete persists a finished turn and then consumes one message. A failed
// write skips tracking so an unsaved answer is never billed.
func (s *ChatService) complete(ctx context.Context, ident *identity.Identity, chatID string, msgs []chat.Message) (string, error) {
	// The answer is complete, so a disconnect at this point must not lose it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := s.store.Replace(ctx, chatID, msgs); err != nil {
		slog.Error("persist chat turn failed", "chat_id", chatID, "error", err)
		return otel.OutcomeFailed, fmt.Errorf("persist turn: %w", err)
	}
	if err := s.usage.Record(ctx, ident); err != nil {
		slog.Error("usage tracking failed", "chat_id", chatID, "error", err)
	}
	return otel.OutcomeCompleted, nil
}

// Create starts a conversation, optionally seeded with messages.
func (s *ChatService) Create(ctx context.Context, seed []chat.Message) (string, error) {
	for i := range seed {
		if !chat.ValidRole(seed[i].Role) {
			return "", fmt.Errorf("%w: invalid role %q", domain.ErrValidation, seed[i].Role)
		}
	}
	seed = chat.CloneMessages(seed)
	for i := range seed {
		if seed[i].ID == "" {
			seed[i].ID = chat.NewMessageID()
		}
	}
	return s.store.Create(ctx, seed)
}

// Fetch returns the messages of a conversation; unknown ids yield none.
func (s *ChatService) Fetch(ctx context.Context, id string) ([]chat.Message, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: chat id is required", domain.ErrValidation)
	}
	return s.store.Fetch(ctx, id)
}

// Get returns a conversation or domain.ErrNotFound.
func (s *ChatService) Get(ctx context.Context, id string) (*chat.Conversation, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: chat id is required", domain.ErrValidation)
	}
	return s.store.Get(ctx, id)
}

// Delete removes a conversation for an authenticated caller and reports
// whether it existed.
func (s *ChatService) Delete(ctx context.Context, ident *identity.Identity, id string) (bool, error) {
	if ident == nil {
		return false, domain.ErrUnauthorized
	}
	if id == "" {
		return false, fmt.Errorf("%w: chat id is required", domain.ErrValidation)
	}
	deleted, err := s.store.Remove(ctx, id)
	if err != nil {
		return false, fmt.Errorf("delete chat %s: %w", id, err)
	}
	if deleted {
		slog.Info("chat deleted", "chat_id", id, "user_id", ident.UserID)
	}
	return deleted, nil
}

// List returns recent conversation summaries. limit <= 0 means the default.
func (s *ChatService) List(ctx context.Context, limit int) ([]chat.Summary, error) {
	if limit <= 0 {
		limit = chat.DefaultListLimit
	}
	limit = min(limit, maxListLimit)
	return s.store.List(ctx, limit)
}
