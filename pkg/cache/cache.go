// Package cache backs the cache capability with redis. Entries are
// namespaced per module; tags span modules so a content change can
// invalidate every dependent entry at once.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// invalidateTagScript removes every key belonging to a tag, plus the tag set
// itself, atomically. Doing it host-side key-by-key would race concurrent
// Sets into the same tag.
// KEYS[1] = tag set key
var invalidateTagScript = redis.NewScript(`
local members = redis.call("SMEMBERS", KEYS[1])
local n = 0
for i, key in ipairs(members) do
    n = n + redis.call("DEL", key)
end
redis.call("DEL", KEYS[1])
return n
`)

// Cache is the redis-backed store behind the cache capability.
type Cache struct {
	client *redis.Client
	prefix string
}

// New wraps an existing redis client. prefix namespaces all keys so several
// hosts can share one redis.
func New(client *redis.Client, prefix string) *Cache {
	if prefix == "" {
		prefix = "plinth"
	}
	return &Cache{client: client, prefix: prefix}
}

// NewClient dials redis with standard options.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

func (c *Cache) entryKey(module, key string) string {
	return fmt.Sprintf("%s:cache:%s:%s", c.prefix, module, key)
}

func (c *Cache) tagKey(tag string) string {
	return fmt.Sprintf("%s:tag:%s", c.prefix, tag)
}

// Get returns the cached value and whether it was present.
func (c *Cache) Get(ctx context.Context, module, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, c.entryKey(module, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get: %w", err)
	}
	return val, true, nil
}

// Set stores a value with an optional TTL (zero means no expiry) and
// registers it under each tag for later bulk invalidation.
func (c *Cache) Set(ctx context.Context, module, key string, value []byte, ttl time.Duration, tags []string) error {
	entry := c.entryKey(module, key)
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, entry, value, ttl)
	for _, tag := range tags {
		pipe.SAdd(ctx, c.tagKey(tag), entry)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: set: %w", err)
	}
	return nil
}

// Delete removes one entry. Stale tag-set members are harmless; DEL of a
// missing key is a no-op during invalidation.
func (c *Cache) Delete(ctx context.Context, module, key string) error {
	if err := c.client.Del(ctx, c.entryKey(module, key)).Err(); err != nil {
		return fmt.Errorf("cache: delete: %w", err)
	}
	return nil
}

// InvalidateTag atomically drops every entry carrying the tag and returns
// how many entries were removed.
func (c *Cache) InvalidateTag(ctx context.Context, tag string) (int64, error) {
	n, err := invalidateTagScript.Run(ctx, c.client, []string{c.tagKey(tag)}).Int64()
	if err != nil {
		return 0, fmt.Errorf("cache: invalidate tag %q: %w", tag, err)
	}
	return n, nil
}

// Flush drops the whole cache namespace. Only modules holding the
// cache.flush grant reach this through the bridge.
func (c *Cache) Flush(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.prefix+":*", 256).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 256 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("cache: flush: %w", err)
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache: flush scan: %w", err)
	}
	if len(keys) > 0 {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("cache: flush: %w", err)
		}
	}
	return nil
}
