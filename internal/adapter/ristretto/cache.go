// Package ristretto is the in-process L1 under the usage-hint and
// idempotency caches, built on dgraph-io/ristretto.
package ristretto

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Cache is a size-bounded cache.Cache. Entries cost their key plus value
// length in bytes.
type Cache struct {
	rc *ristretto.Cache[string, []byte]
}

// New sizes the cache to hold about maxSizeMB of entries (at least 1 MB).
// Hint and replay payloads are small, so counters assume ~100 byte entries.
func New(maxSizeMB int64) (*Cache, error) {
	budget := max(maxSizeMB, 1) << 20
	rc, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters:        budget / 10,
		MaxCost:            budget,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{rc: rc}, nil
}

func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := c.rc.Get(key)
	return v, ok, nil
}

// Set stores value for ttl (no expiry when ttl <= 0). It waits for the write
// buffer so the entry is visible to the next Get. Ristretto may still refuse
// an entry under memory pressure, which only costs a later miss.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	cost := int64(len(key) + len(value))
	if ttl > 0 {
		c.rc.SetWithTTL(key, value, cost, ttl)
	} else {
		c.rc.Set(key, value, cost)
	}
	c.rc.Wait()
	return nil
}

func (c *Cache) Delete(_ context.Context, key string) error {
	c.rc.Del(key)
	return nil
}

// Close stops ristretto's background goroutines.
func (c *Cache) Close() {
	c.rc.Close()
}
