package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache provides the JSON and counter primitives the gateway keeps in the
// shared KV store.
type Cache struct {
	client *redis.Client
}

// NewCache creates a cache over the given client.
func NewCache(client *redis.Client) *Cache {
	if client == nil {
		panic("kv: nil client")
	}
	return &Cache{client: client}
}

// Client exposes the underlying client for callers that need transactions.
func (c *Cache) Client() *redis.Client { return c.client }

// GetJSON reads key into dst. A missing key or an undecodable value is a
// miss, not an error.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv: get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, nil
	}
	return true, nil
}

// SetJSON stores v under key with the given TTL. Zero TTL means no expiry.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("kv: marshal %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("kv: set %s: %w", key, err)
	}
	return nil
}

// GetString reads a plain string value. Missing keys return ok=false.
func (c *Cache) GetString(ctx context.Context, key string) (string, bool, error) {
	value, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv: get %s: %w", key, err)
	}
	return value, true, nil
}

// SetString stores a plain string value with the given TTL.
func (c *Cache) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv: set %s: %w", key, err)
	}
	return nil
}

// SetFlag sets a presence-only flag if absent. Returns true when this call
// created the flag, false when it already existed. The set-if-absent form is
// what makes idempotency checks race-free.
func (c *Cache) SetFlag(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	created, err := c.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("kv: setnx %s: %w", key, err)
	}
	return created, nil
}

// HasFlag reports whether a presence-only flag exists.
func (c *Cache) HasFlag(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("kv: exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Delete removes the given keys. Missing keys are not an error.
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("kv: del: %w", err)
	}
	return nil
}

// Increment bumps a windowed counter, refreshing its TTL in the same
// pipeline so the key never outlives its window by more than one cycle.
func (c *Cache) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("kv: incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

// GetInt reads an integer counter. Missing keys read as zero.
func (c *Cache) GetInt(ctx context.Context, key string) (int64, error) {
	value, err := c.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("kv: get %s: %w", key, err)
	}
	return value, nil
}
