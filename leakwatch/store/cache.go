package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const keyPrefix = "leakwatch-cache"

// Cache namespaces. Writes invalidate whole namespaces.
const (
	NamespaceFindings   = "finding"
	NamespaceRulePacks  = "rule-pack"
	NamespaceScans      = "scan"
	NamespaceAudits     = "audit"
	NamespaceRepository = "repository"
)

// Cache stores JSON encoded query results under namespaced keys. A nil
// *Cache is valid and caches nothing.
type Cache struct {
	kv  KVStore
	ttl time.Duration
}

// NewCache returns a cache over kv whose entries expire after ttl, rounded
// up to whole seconds.
func NewCache(kv KVStore, ttl time.Duration) *Cache {
	return &Cache{kv: kv, ttl: ttl}
}

func (c *Cache) ttlSeconds() int {
	secs := int((c.ttl + time.Second - 1) / time.Second)
	return max(secs, 1)
}

// Key derives a stable key for namespace from the given query parts.
func Key(namespace string, parts ...any) string {
	raw, err := json.Marshal(parts)
	if err != nil {
		raw = []byte(fmt.Sprint(parts...))
	}
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%s:namespace-%s:%s", keyPrefix, namespace, hex.EncodeToString(sum[:]))
}

// Get decodes the cached value for key into dest and reports whether it was found.
// Lookup failures are logged and reported as a miss.
func (c *Cache) Get(ctx context.Context, key string, dest any) bool {
	if c == nil {
		return false
	}
	resp, err := c.kv.GetValue(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			slog.Warn("Cache lookup failed", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal([]byte(resp.Message.Value), dest); err != nil {
		slog.Warn("Discarding undecodable cache entry", "key", key, "error", err)
		return false
	}
	return true
}

// Set stores v under key with the cache TTL.
func (c *Cache) Set(ctx context.Context, key string, v any) error {
	if c == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	return c.kv.SetValueWithTTL(ctx, key, string(raw), c.ttlSeconds())
}

// Invalidate deletes every entry of the given namespaces.
func (c *Cache) Invalidate(ctx context.Context, namespaces ...string) error {
	if c == nil {
		return nil
	}
	for _, ns := range namespaces {
		keys, err := c.kv.ListKeys(ctx, fmt.Sprintf("%s:namespace-%s:*", keyPrefix, ns))
		if err != nil {
			return fmt.Errorf("failed to list cache keys of %s: %w", ns, err)
		}
		for _, k := range keys {
			if err := c.kv.DeleteValue(ctx, k); err != nil {
				return fmt.Errorf("failed to delete cache key %s: %w", k, err)
			}
		}
		slog.Debug("Cache namespace cleared", "namespace", ns, "keys", len(keys))
	}
	return nil
}

// OpenCache connects a cache to the valkey server at addr. An empty addr or
// a ttl that is not positive disables caching and returns a nil cache.
func OpenCache(addr string, ttl time.Duration) (*Cache, error) {
	if addr == "" {
		return nil, nil
	}
	if ttl <= 0 {
		slog.Warn("Caching disabled by non-positive TTL", "ttl", ttl)
		return nil, nil
	}
	kv, err := NewValkeyStore(addr)
	if err != nil {
		return nil, err
	}
	return NewCache(kv, ttl), nil
}

// Close releases the underlying store.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.kv.Close()
}
