// Package natskv implements the cache port on a NATS JetStream key-value
// bucket. It is the L2 tier shared by every server instance.
package natskv

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Cache wraps a NATS JetStream KeyValue store as an L2 cache.
//
// Bucket keys only admit a restricted alphabet, so cache keys are stored
// base64url-encoded. Each value is prefixed with its expiry so per-entry TTLs
// shorter than the bucket TTL are honoured on read.
type Cache struct {
	kv  jetstream.KeyValue
	now func() time.Time
}

// New creates a NATS KV-backed cache.
func New(kv jetstream.KeyValue) *Cache {
	return &Cache{kv: kv, now: time.Now}
}

// Open creates or updates the named bucket with maxTTL as the bucket-wide
// history limit and returns a cache on it.
func Open(ctx context.Context, js jetstream.JetStream, bucket string, maxTTL time.Duration) (*Cache, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		TTL:     maxTTL,
		History: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("kv bucket %s: %w", bucket, err)
	}
	return New(kv), nil
}

func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	entry, err := c.kv.Get(ctx, encodeKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	raw := entry.Value()
	if len(raw) < 8 {
		return nil, false, nil
	}
	if exp := int64(binary.BigEndian.Uint64(raw[:8])); exp != 0 && c.now().UnixNano() >= exp {
		return nil, false, nil
	}
	return raw[8:], true, nil
}

// Set stores value. A non-positive ttl means the entry lives as long as the
// bucket keeps it.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var exp int64
	if ttl > 0 {
		exp = c.now().Add(ttl).UnixNano()
	}
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf[:8], uint64(exp))
	copy(buf[8:], value)
	_, err := c.kv.Put(ctx, encodeKey(key), buf)
	return err
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, encodeKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}
