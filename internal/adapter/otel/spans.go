package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "valzu-chat"

// StartTurnSpan starts a span covering one chat turn.
func StartTurnSpan(ctx context.Context, chatID, model string, webSearch bool) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "chat.turn",
		trace.WithAttributes(
			attribute.String("chat.id", chatID),
			attribute.String("chat.model", model),
			attribute.Bool("chat.web_search", webSearch),
		),
	)
}

// StartStoreSpan starts a span for a conversation store operation.
func StartStoreSpan(ctx context.Context, op, chatID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "store."+op,
		trace.WithAttributes(attribute.String("chat.id", chatID)),
	)
}
