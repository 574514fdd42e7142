// Package cache is the FX service's durable rate cache: a Redis-backed
// KV store shared across every fx instance, replacing original_source's
// services/fx/main.py single-file sqlite cache so a horizontally scaled
// deployment shares one cache instead of each replica warming its own.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Entry is the cached rate payload for one pair, mirroring the Python
// service's FxResp shape.
type Entry struct {
	Pair      string `json:"pair"`
	Rate      string `json:"rate"`
	Source    string `json:"source"`
	FetchedAt int64  `json:"fetched_at"`
	TTLSec    int    `json:"ttl_sec"`
}

// Cache wraps a Redis client scoped to the fx:<PAIR> key namespace.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

// New builds a Cache over an already-connected Redis client.
func New(rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

func key(pair string) string {
	return fmt.Sprintf("fx:%s", pair)
}

// Get returns the cached entry for pair, or ok=false on miss or expiry.
// Redis' own TTL already expires the key, but callers may widen or
// narrow the effective window by checking FetchedAt themselves.
func (c *Cache) Get(ctx context.Context, pair string) (Entry, bool, error) {
	raw, err := c.rdb.Get(ctx, key(pair)).Result()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, false, fmt.Errorf("decoding cached fx entry: %w", err)
	}
	return e, true, nil
}

// Put writes entry under pair with the cache's configured TTL.
func (c *Cache) Put(ctx context.Context, pair string, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding fx entry: %w", err)
	}
	return c.rdb.Set(ctx, key(pair), raw, c.ttl).Err()
}

// Inspect returns the raw cached entry for a key exactly as /fx/cache/{key}
// reports it, without influencing TTL.
func (c *Cache) Inspect(ctx context.Context, pair string) (Entry, bool, error) {
	return c.Get(ctx, pair)
}
