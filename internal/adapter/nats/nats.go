// Package nats implements the broadcast channel over NATS core pub/sub so
// conversation updates reach every server instance.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/valzu-ai/valzu-chat/internal/port/broadcast"
)

// OriginHeader carries the publishing view's origin so subscribers can skip
// their own updates without decoding the payload.
const OriginHeader = "Valzu-Origin"

const pingTimeout = 2 * time.Second

// Conn is a NATS connection with a JetStream context for KV buckets.
type Conn struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect dials NATS and initialises JetStream.
func Connect(_ context.Context, url string) (*Conn, error) {
	nc, err := nats.Connect(url, nats.Name("valzu-chat"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	slog.Info("nats connected", "url", url)
	return &Conn{nc: nc, js: js}, nil
}

// JetStream returns the JetStream context.
func (c *Conn) JetStream() jetstream.JetStream { return c.js }

// IsConnected reports whether the underlying connection is up.
func (c *Conn) IsConnected() bool { return c.nc.IsConnected() }

// Ping round-trips to the server.
func (c *Conn) Ping(ctx context.Context) error {
	if !c.nc.IsConnected() {
		return errors.New("nats: not connected")
	}
	// FlushWithContext rejects contexts without a deadline.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pingTimeout)
		defer cancel()
	}
	return c.nc.FlushWithContext(ctx)
}

// Close drains pending messages and closes the connection.
func (c *Conn) Close() error {
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// Channel is a broadcast.Channel publishing on <root>.<chatID>.messages.
type Channel struct {
	nc   *nats.Conn
	root string
}

// NewChannel creates a broadcast channel rooted at subjectRoot (e.g. "chats").
func NewChannel(c *Conn, subjectRoot string) *Channel {
	if subjectRoot == "" {
		subjectRoot = "chats"
	}
	return &Channel{nc: c.nc, root: subjectRoot}
}

// Subject returns the subject for chatID.
func (ch *Channel) Subject(chatID string) (string, error) {
	if chatID == "" || strings.ContainsAny(chatID, ".*> \t\r\n") {
		return "", fmt.Errorf("nats: invalid chat id %q", chatID)
	}
	return ch.root + "." + chatID + ".messages", nil
}

// Publish sends u to every subscriber of u.ChatID on any instance.
func (ch *Channel) Publish(_ context.Context, u broadcast.Update) error {
	subj, err := ch.Subject(u.ChatID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	msg := &nats.Msg{Subject: subj, Header: nats.Header{}, Data: data}
	msg.Header.Set(OriginHeader, u.Origin)
	if err := ch.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subj, err)
	}
	return nil
}

// Subscribe delivers updates for chatID to fn, skipping those published with origin.
func (ch *Channel) Subscribe(ctx context.Context, chatID, origin string, fn broadcast.Handler) (func(), error) {
	if fn == nil {
		return nil, errors.New("nats: handler is required")
	}
	subj, err := ch.Subject(chatID)
	if err != nil {
		return nil, err
	}
	sub, err := ch.nc.Subscribe(subj, func(m *nats.Msg) {
		if origin != "" && m.Header.Get(OriginHeader) == origin {
			return
		}
		var u broadcast.Update
		if err := json.Unmarshal(m.Data, &u); err != nil {
			slog.Warn("discarding malformed update", "subject", m.Subject, "error", err)
			return
		}
		if u.ChatID != chatID || (origin != "" && u.Origin == origin) {
			return
		}
		fn(u)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subj, err)
	}

	unsubscribe := sync.OnceFunc(func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			slog.Debug("nats unsubscribe failed", "subject", subj, "error", err)
		}
	})
	stop := context.AfterFunc(ctx, unsubscribe)
	return func() {
		stop()
		unsubscribe()
	}, nil
}
