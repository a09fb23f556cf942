package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gabcoyne/call-coach/internal/domain/analysis"
)

// Cache implements analysis.ResultCache on Redis. The cache is a pure
// optimization layer: every method degrades to a miss or a no-op when
// the backend is unavailable, so runs proceed with fresh computation
// instead of aborting.
type Cache struct {
	rdb *redis.Client
	log zerolog.Logger
}

// New connects and verifies the backend
func New(ctx context.Context, addr, password string, db int, log zerolog.Logger) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Cache{rdb: rdb, log: log}, nil
}

// Get returns the entry for key, or a miss. Backend errors, decode
// errors, and expired entries are all misses.
func (c *Cache) Get(ctx context.Context, key string) (*analysis.CacheEntry, bool) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn().Err(err).Str("key", key).Msg("cache read failed, treating as miss")
		}
		return nil, false
	}
	var entry analysis.CacheEntry
	if err := json.Unmarshal(b, &entry); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache entry undecodable, treating as miss")
		return nil, false
	}
	// Redis TTL should expire entries on its own; the timestamp check
	// covers clock drift and entries written with a longer TTL
	if entry.Expired(time.Now()) {
		c.Expire(ctx, key)
		return nil, false
	}
	return &entry, true
}

// Put stores the entry under ttl. Write failures are logged and
// swallowed; the computed result is already in hand.
func (c *Cache) Put(ctx context.Context, key string, entry *analysis.CacheEntry, ttl time.Duration) {
	b, err := json.Marshal(entry)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache entry not encodable, skipping write")
		return
	}
	if err := c.rdb.Set(ctx, key, b, ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

// Expire drops the entry, best effort.
func (c *Cache) Expire(ctx context.Context, key string) {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache delete failed")
	}
}

// Ping exposes backend health for the health endpoint.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *Cache) Close() error {
	return c.rdb.Close()
}
