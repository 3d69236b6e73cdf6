package logger

import (
	"context"
	"log/slog"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	chatIDKey
)

// WithRequestID returns a new context with the given request ID stored.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID extracts the request ID from the context.
// Returns an empty string if no request ID is set.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithChatID returns a new context tagged with a conversation id.
func WithChatID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, chatIDKey, id)
}

// ChatID extracts the conversation id from the context.
func ChatID(ctx context.Context) string {
	id, _ := ctx.Value(chatIDKey).(string)
	return id
}

// contextHandler copies request-scoped ids from the context onto each record.
type contextHandler struct {
	inner slog.Handler
}

func (h *contextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *contextHandler) Handle(ctx context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	addContextAttrs(ctx, &rec)
	return h.inner.Handle(ctx, rec)
}

// addContextAttrs copies the request and chat ids carried by ctx onto rec.
func addContextAttrs(ctx context.Context, rec *slog.Record) {
	if ctx == nil {
		return
	}
	if id := RequestID(ctx); id != "" {
		rec.AddAttrs(slog.String("request_id", id))
	}
	if id := ChatID(ctx); id != "" {
		rec.AddAttrs(slog.String("chat_id", id))
	}
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{inner: h.inner.WithGroup(name)}
}
