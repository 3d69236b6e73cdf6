// Package ws relays conversation updates between open views over WebSocket.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/valzu-ai/valzu-chat/internal/port/broadcast"
)

const (
	readLimit    = 4 << 20
	writeTimeout = 10 * time.Second
)

// conn wraps a single WebSocket connection bound to one conversation.
type conn struct {
	ws     *websocket.Conn
	id     string
	chatID string
}

type room struct {
	conns  map[*conn]struct{}
	cancel func()
}

// Hub groups connections by conversation id. A messages-update frame from one
// connection goes to every other connection of that conversation and onto the
// broadcast channel for other instances.
type Hub struct {
	id      string
	channel broadcast.Channel
	accept  websocket.AcceptOptions

	mu    sync.RWMutex
	rooms map[string]*room
}

// NewHub creates a hub. channel may be nil for a single instance without fan-out.
// allowedOrigin is the browser origin permitted to connect; "" or "*" allows any.
func NewHub(channel broadcast.Channel, allowedOrigin string) *Hub {
	h := &Hub{
		id:      uuid.NewString(),
		channel: channel,
		rooms:   make(map[string]*room),
	}
	if allowedOrigin == "" || allowedOrigin == "*" {
		h.accept.InsecureSkipVerify = true // CORS handled by middleware
	} else if u, err := url.Parse(allowedOrigin); err == nil && u.Host != "" {
		h.accept.OriginPatterns = []string{u.Host}
	} else {
		h.accept.OriginPatterns = []string{allowedOrigin}
	}
	return h
}

// Serve upgrades the request and relays frames for chatID until the peer disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, chatID string) {
	ws, err := websocket.Accept(w, r, &h.accept)
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(readLimit)

	c := &conn{ws: ws, id: uuid.NewString(), chatID: chatID}
	if err := h.join(c); err != nil {
		slog.Error("websocket join failed", "chat_id", chatID, "error", err)
		_ = ws.Close(websocket.StatusInternalError, "subscription failed")
		return
	}
	slog.Info("websocket connected", "chat_id", chatID, "conn", c.id, "remote", r.RemoteAddr)

	defer func() {
		h.leave(c)
		_ = ws.Close(websocket.StatusNormalClosure, "")
		slog.Info("websocket disconnected", "chat_id", chatID, "conn", c.id)
	}()
	h.readLoop(r.Context(), c)
}

func (h *Hub) readLoop(ctx context.Context, c *conn) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var u broadcast.Update
		if err := json.Unmarshal(data, &u); err != nil {
			slog.Debug("discarding malformed frame", "conn", c.id, "error", err)
			continue
		}
		if u.Type != broadcast.TypeMessagesUpdate {
			slog.Debug("discarding unknown frame", "conn", c.id, "type", u.Type)
			continue
		}
		h.relay(ctx, c, u)
	}
}

func (h *Hub) relay(ctx context.Context, from *conn, u broadcast.Update) {
	u.ChatID = from.chatID
	u.Origin = h.id + "/" + from.id

	data, err := json.Marshal(u)
	if err != nil {
		slog.Error("websocket marshal failed", "error", err)
		return
	}
	h.sendLocal(ctx, from.chatID, data, from)

	if h.channel != nil {
		if err := h.channel.Publish(ctx, u); err != nil {
			slog.Warn("broadcast publish failed", "chat_id", from.chatID, "error", err)
		}
	}
}

// deliverRemote forwards an update from another instance to local connections.
// Updates this hub published itself were already relayed locally.
func (h *Hub) deliverRemote(u broadcast.Update) {
	if strings.HasPrefix(u.Origin, h.id+"/") {
		return
	}
	data, err := json.Marshal(u)
	if err != nil {
		slog.Error("websocket marshal failed", "error", err)
		return
	}
	h.sendLocal(context.Background(), u.ChatID, data, nil)
}

func (h *Hub) sendLocal(ctx context.Context, chatID string, data []byte, skip *conn) {
	h.mu.RLock()
	var targets []*conn
	if rm := h.rooms[chatID]; rm != nil {
		targets = make([]*conn, 0, len(rm.conns))
		for c := range rm.conns {
			if c != skip {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
		err := c.ws.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			slog.Debug("websocket write failed", "conn", c.id, "error", err)
			// Closing ends the peer's read loop, which removes it from the room.
			go func() { _ = c.ws.Close(websocket.StatusGoingAway, "write failed") }()
		}
	}
}

func (h *Hub) join(c *conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	rm := h.rooms[c.chatID]
	if rm == nil {
		rm = &room{conns: make(map[*conn]struct{})}
		if h.channel != nil {
			cancel, err := h.channel.Subscribe(context.Background(), c.chatID, "", h.deliverRemote)
			if err != nil {
				return fmt.Errorf("subscribe %s: %w", c.chatID, err)
			}
			rm.cancel = cancel
		}
		h.rooms[c.chatID] = rm
	}
	rm.conns[c] = struct{}{}
	return nil
}

func (h *Hub) leave(c *conn) {
	h.mu.Lock()
	rm := h.rooms[c.chatID]
	if rm == nil {
		h.mu.Unlock()
		return
	}
	delete(rm.conns, c)
	var cancel func()
	if len(rm.conns) == 0 {
		delete(h.rooms, c.chatID)
		cancel = rm.cancel
	}
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// ConnectionCount returns the number of active connections for chatID.
func (h *Hub) ConnectionCount(chatID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if rm := h.rooms[chatID]; rm != nil {
		return len(rm.conns)
	}
	return 0
}

// RoomCount returns the number of conversations with at least one connection.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// ErrClosed is returned by a Client after its connection has ended.
var ErrClosed = errors.New("ws: connection closed")
