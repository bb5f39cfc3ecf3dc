package admission

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// FingerprintCache remembers AI results by content fingerprint so that
// repeated content never costs a second call.
type FingerprintCache interface {
	Get(ctx context.Context, fingerprint string) ([]byte, bool, error)
	Set(ctx context.Context, fingerprint string, value []byte) error
}

// Fingerprint returns the hex sha256 of the normalized parts. Parts are
// lowercased, their whitespace collapsed, and joined with NUL.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(strings.ToLower(strings.Join(strings.Fields(p), " "))))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ──────────────────────────────────────────────────
// Memory
// ──────────────────────────────────────────────────

// MemoryCache is a process-local LRU with per-entry expiry.
type MemoryCache struct {
	lru *expirable.LRU[string, []byte]
}

var _ FingerprintCache = (*MemoryCache)(nil)

// NewMemoryCache holds at most size entries for ttl each. A zero ttl
// keeps entries until evicted.
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = 1024
	}
	return &MemoryCache{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

// Get implements FingerprintCache.
func (c *MemoryCache) Get(_ context.Context, fp string) ([]byte, bool, error) {
	v, ok := c.lru.Get(fp)
	return v, ok, nil
}

// Set implements FingerprintCache.
func (c *MemoryCache) Set(_ context.Context, fp string, value []byte) error {
	c.lru.Add(fp, value)
	return nil
}

// Len returns the number of live entries.
func (c *MemoryCache) Len() int { return c.lru.Len() }

// ──────────────────────────────────────────────────
// Redis
// ──────────────────────────────────────────────────

// RedisCache shares fingerprints across worker processes. The caller
// owns the client lifecycle.
type RedisCache struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

var _ FingerprintCache = (*RedisCache)(nil)

// NewRedisCache stores entries under prefix with the given ttl.
func NewRedisCache(client redis.Cmdable, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "dispatch:fp:"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

// Get implements FingerprintCache.
func (c *RedisCache) Get(ctx context.Context, fp string) ([]byte, bool, error) {
	v, err := c.client.Get(ctx, c.prefix+fp).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("admission/redis: get %s: %w", fp, err)
	}
	return v, true, nil
}

// Set implements FingerprintCache.
func (c *RedisCache) Set(ctx context.Context, fp string, value []byte) error {
	if err := c.client.Set(ctx, c.prefix+fp, value, c.ttl).Err(); err != nil {
		return fmt.Errorf("admission/redis: set %s: %w", fp, err)
	}
	return nil
}
