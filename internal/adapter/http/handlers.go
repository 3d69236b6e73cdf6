package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/valzu-ai/valzu-chat/internal/adapter/ws"
	"github.com/valzu-ai/valzu-chat/internal/domain/chat"
	"github.com/valzu-ai/valzu-chat/internal/middleware"
	"github.com/valzu-ai/valzu-chat/internal/service"
)

const healthTimeout = 3 * time.Second

// HealthCheck pings one dependency for /health.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// Handlers holds the services behind the HTTP API.
type Handlers struct {
	Chat   *service.ChatService
	Usage  *service.UsageService
	Hub    *ws.Hub
	Checks []HealthCheck
}

// SendChat runs one chat turn and streams the reply as a UI message stream.
func (h *Handlers) SendChat(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[chat.SendRequest](w, r, maxRequestBodySize)
	if !ok {
		return
	}
	ident := middleware.IdentityFromContext(r.Context())

	stream := newUIStream(w)
	res, err := h.Chat.Send(r.Context(), ident, req, stream)
	if err != nil {
		if stream.started {
			slog.Error("chat turn failed after stream start", "chat_id", req.ID, "error", err)
			return
		}
		writeDomainError(w, err, "chat not found")
		return
	}
	if res.Err != nil {
		slog.Error("chat turn failed", "chat_id", res.ChatID, "model", res.Model, "outcome", res.Outcome, "error", res.Err)
		return
	}
	slog.Debug("chat turn finished", "chat_id", res.ChatID, "model", res.Model, "outcome", res.Outcome)
}

// CreateChat starts a conversation. An empty or malformed body means no seed.
func (h *Handlers) CreateChat(w http.ResponseWriter, r *http.Request) {
	req := readOptionalJSON[chat.CreateRequest](w, r, maxRequestBodySize)
	id, err := h.Chat.Create(r.Context(), req.InitialMessages)
	if err != nil {
		writeDomainError(w, err, "chat not found")
		return
	}
	writeJSON(w, http.StatusOK, chat.CreateResponse{ChatID: id})
}

// ListChats returns the most recently updated conversations.
func (h *Handlers) ListChats(w http.ResponseWriter, r *http.Request) {
	items, err := h.Chat.List(r.Context(), queryInt(r, "limit"))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if items == nil {
		items = []chat.Summary{}
	}
	writeJSON(w, http.StatusOK, items)
}

type chatResponse struct {
	ID       string         `json:"id"`
	Messages []chat.Message `json:"messages"`
}

// GetChat returns a conversation's messages; unknown ids yield an empty list.
func (h *Handlers) GetChat(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	msgs, err := h.Chat.Fetch(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "chat not found")
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, chatResponse{ID: id, Messages: msgs})
}

// DeleteChat removes a conversation: 200 {deleted:true}, or 404 {deleted:false}.
func (h *Handlers) DeleteChat(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.Chat.Delete(r.Context(), middleware.IdentityFromContext(r.Context()), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "chat not found")
		return
	}
	if !deleted {
		writeJSON(w, http.StatusNotFound, chat.DeleteResponse{Deleted: false})
		return
	}
	writeJSON(w, http.StatusOK, chat.DeleteResponse{Deleted: true})
}

type modelsResponse struct {
	DefaultModel string          `json:"defaultModel"`
	Categories   []modelCategory `json:"categories"`
}

type modelCategory struct {
	ID          string       `json:"id"`
	Heading     string       `json:"heading"`
	Description string       `json:"description,omitempty"`
	Models      []modelEntry `json:"models"`
}

type modelEntry struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Providers []string `json:"providers,omitempty"`
}

// ListModels returns the model catalog for the client's model picker.
func (h *Handlers) ListModels(w http.ResponseWriter, _ *http.Request) {
	categories, def := h.Chat.Models()
	resp := modelsResponse{DefaultModel: def, Categories: make([]modelCategory, 0, len(categories))}
	for _, c := range categories {
		mc := modelCategory{ID: c.ID, Heading: c.Heading, Description: c.Description, Models: make([]modelEntry, 0, len(c.Models))}
		for _, m := range c.Models {
			mc.Models = append(mc.Models, modelEntry{ID: m.ID, Name: m.Name, Providers: m.Providers})
		}
		resp.Categories = append(resp.Categories, mc)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetUsage returns the caller's usage hint for the client-side pre-check.
func (h *Handlers) GetUsage(w http.ResponseWriter, r *http.Request) {
	chk, err := h.Usage.Hint(r.Context(), middleware.IdentityFromContext(r.Context()))
	if err != nil {
		writeDomainError(w, err, "usage not found")
		return
	}
	writeJSON(w, http.StatusOK, chk)
}

// ChatSocket upgrades to the cross-view relay for one conversation.
func (h *Handlers) ChatSocket(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "chat id is required")
		return
	}
	h.Hub.Serve(w, r, id)
}

// Health reports "ok" per dependency and 503 when any check fails.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := map[string]string{"status": "ok"}
	status := http.StatusOK
	for _, c := range h.Checks {
		if c.Ping == nil {
			resp[c.Name] = "disabled"
			continue
		}
		if err := c.Ping(ctx); err != nil {
			slog.Warn("health check failed", "check", c.Name, "error", err)
			resp[c.Name] = "unavailable"
			resp["status"] = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp[c.Name] = "ok"
	}
	writeJSON(w, status, resp)
}
