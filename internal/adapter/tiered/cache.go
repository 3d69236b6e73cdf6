// Package tiered layers an in-process cache over a shared one. Usage hints
// and idempotency replays each get their own tiered view, namespaced so they
// can share a single L1.
package tiered

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/valzu-ai/valzu-chat/internal/port/cache"
)

// Cache reads L1 before L2 and copies L2 hits into L1. L2 may be nil, which
// leaves a namespaced L1. A failing L2 turns reads into misses; writes and
// deletes still report its error, after L1 has been updated.
type Cache struct {
	ns    string
	l1    cache.Cache
	l2    cache.Cache
	l1TTL time.Duration
}

// New returns a view whose keys are prefixed with ns + ":". Entries stay in
// L1 for at most l1TTL when it is positive.
func New(ns string, l1, l2 cache.Cache, l1TTL time.Duration) *Cache {
	return &Cache{ns: ns + ":", l1: l1, l2: l2, l1TTL: l1TTL}
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	key = c.ns + key
	if v, ok, err := c.l1.Get(ctx, key); err != nil || ok {
		return v, ok, err
	}
	if c.l2 == nil {
		return nil, false, nil
	}
	v, ok, err := c.l2.Get(ctx, key)
	switch {
	case err != nil:
		slog.WarnContext(ctx, "shared cache read failed", "key", key, "error", err)
		return nil, false, nil
	case !ok:
		return nil, false, nil
	}
	_ = c.l1.Set(ctx, key, v, c.l1TTL)
	return v, true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	key = c.ns + key
	if err := c.l1.Set(ctx, key, value, c.capL1(ttl)); err != nil {
		return err
	}
	if c.l2 == nil {
		return nil
	}
	return c.l2.Set(ctx, key, value, ttl)
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	key = c.ns + key
	err := c.l1.Delete(ctx, key)
	if c.l2 != nil {
		err = errors.Join(err, c.l2.Delete(ctx, key))
	}
	return err
}

func (c *Cache) capL1(ttl time.Duration) time.Duration {
	if c.l1TTL > 0 && (ttl <= 0 || ttl > c.l1TTL) {
		return c.l1TTL
	}
	return ttl
}
