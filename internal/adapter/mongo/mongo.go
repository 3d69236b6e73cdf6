// Package mongo implements the conversation store on MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/valzu-ai/valzu-chat/internal/config"
)

// ErrNoURI is returned when no connection string is configured.
var ErrNoURI = errors.New("mongodb connection string is not configured")

// Handle is a lazily-connected client shared by every store in the process.
// The first call to Database dials; later calls reuse the client. A failed dial
// is retried on the next call.
type Handle struct {
	uri     string
	dbName  string
	timeout time.Duration

	mu     sync.Mutex
	client *mongo.Client
}

// NewHandle creates a handle for the configured URI and database. It does not dial.
func NewHandle(cfg config.Store) (*Handle, error) {
	uri := cfg.MongoURI()
	if uri == "" {
		return nil, ErrNoURI
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Handle{uri: uri, dbName: cfg.Database, timeout: timeout}, nil
}

// Database returns the configured database, connecting on first use.
func (h *Handle) Database(ctx context.Context) (*mongo.Database, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client != nil {
		return h.client.Database(h.dbName), nil
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(h.uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	slog.Info("mongo connected", "database", h.dbName)
	h.client = client
	return client.Database(h.dbName), nil
}

// Ping checks connectivity, dialing if necessary.
func (h *Handle) Ping(ctx context.Context) error {
	db, err := h.Database(ctx)
	if err != nil {
		return err
	}
	return db.Client().Ping(ctx, readpref.Primary())
}

// Close disconnects the client if one was opened.
func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client == nil {
		return nil
	}
	err := h.client.Disconnect(ctx)
	h.client = nil
	return err
}
