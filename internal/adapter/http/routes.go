package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/valzu-ai/valzu-chat/internal/middleware"
)

// MountRoutes registers the chat API on r. idempotency, when non-nil, guards
// conversation creation against retried requests.
func MountRoutes(r chi.Router, h *Handlers, idempotency func(http.Handler) http.Handler) {
	if idempotency == nil {
		idempotency = func(next http.Handler) http.Handler { return next }
	}

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.With(middleware.RequireIdentity).Post("/chat", h.SendChat)
		r.With(middleware.RequireIdentity).Get("/usage", h.GetUsage)
		r.Get("/models", h.ListModels)

		r.With(idempotency).Post("/chats", h.CreateChat)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireIdentity)
			r.Get("/chats", h.ListChats)
			r.Get("/chats/{id}", h.GetChat)
			r.Delete("/chats/{id}", h.DeleteChat)
		})
	})

	// The relay carries live turns and accepts writes, so it is as private
	// as the history itself.
	r.With(middleware.RequireIdentity).Get("/ws/chats/{id}", h.ChatSocket)
}
