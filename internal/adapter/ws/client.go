package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/valzu-ai/valzu-chat/internal/port/broadcast"
)

type subscription struct {
	origin string
	fn     broadcast.Handler
}

// Client is a broadcast.Channel bound to one conversation on a relay hub.
type Client struct {
	ws     *websocket.Conn
	chatID string

	mu   sync.Mutex
	next uint64
	subs map[uint64]subscription

	done chan struct{}
	err  error
}

// Dial connects to the relay for chatID. baseURL is the server's http(s) URL;
// token, when set, is sent as a bearer credential.
func Dial(ctx context.Context, baseURL, chatID, token string) (*Client, error) {
	if chatID == "" {
		return nil, fmt.Errorf("ws dial: chat id is required")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/ws/chats/" + url.PathEscape(chatID))
	if err != nil {
		return nil, fmt.Errorf("ws dial: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if token != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := websocket.Dial(ctx, u.String(), opts)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("ws dial %s: %w", u.Redacted(), err)
	}
	ws.SetReadLimit(readLimit)

	c := &Client{
		ws:     ws,
		chatID: chatID,
		subs:   make(map[uint64]subscription),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		typ, data, err := c.ws.Read(context.Background())
		if err != nil {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var u broadcast.Update
		if err := json.Unmarshal(data, &u); err != nil {
			slog.Debug("discarding malformed frame", "error", err)
			continue
		}
		if u.Type != broadcast.TypeMessagesUpdate || (u.ChatID != "" && u.ChatID != c.chatID) {
			continue
		}
		c.dispatch(u)
	}
}

func (c *Client) dispatch(u broadcast.Update) {
	c.mu.Lock()
	targets := make([]broadcast.Handler, 0, len(c.subs))
	for _, s := range c.subs {
		if s.origin != "" && s.origin == u.Origin {
			continue
		}
		targets = append(targets, s.fn)
	}
	c.mu.Unlock()

	for _, fn := range targets {
		fn(u)
	}
}

// Publish sends u to the hub, which relays it to the conversation's other views.
func (c *Client) Publish(ctx context.Context, u broadcast.Update) error {
	if u.ChatID != "" && u.ChatID != c.chatID {
		return fmt.Errorf("ws publish: client is bound to chat %s, not %s", c.chatID, u.ChatID)
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	u.ChatID = c.chatID
	if u.Type == "" {
		u.Type = broadcast.TypeMessagesUpdate
	}
	if err := wsjson.Write(ctx, c.ws, u); err != nil {
		return fmt.Errorf("ws publish: %w", err)
	}
	return nil
}

// Subscribe registers fn for updates of the bound conversation.
func (c *Client) Subscribe(ctx context.Context, chatID, origin string, fn broadcast.Handler) (func(), error) {
	if chatID != c.chatID {
		return nil, fmt.Errorf("ws subscribe: client is bound to chat %s, not %s", c.chatID, chatID)
	}
	if fn == nil {
		return nil, fmt.Errorf("ws subscribe: handler is required")
	}

	c.mu.Lock()
	c.next++
	id := c.next
	c.subs[id] = subscription{origin: origin, fn: fn}
	c.mu.Unlock()

	remove := sync.OnceFunc(func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	})
	stop := context.AfterFunc(ctx, remove)
	return func() {
		stop()
		remove()
	}, nil
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection and waits for the read loop to exit.
func (c *Client) Close() error {
	err := c.ws.Close(websocket.StatusNormalClosure, "")
	<-c.done
	return err
}
