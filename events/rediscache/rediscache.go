// Package rediscache provides a LastEventCache on Redis, for deployments
// where several processes serve subscribers for the same executions.
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sorryhyun/DiPeO-sub017/events"
)

// RedisCache implements events.LastEventCache using Redis string keys with
// a TTL.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

var _ events.LastEventCache = (*RedisCache)(nil)

// RedisOptions configuration for the Redis connection
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string        // Default "dipeo:lastevent:"
	TTL       time.Duration // Default events.DefaultCacheTTL
}

// NewRedisCache creates a cache on a new Redis client.
func NewRedisCache(opts RedisOptions) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisCacheWithClient(client, opts.KeyPrefix, opts.TTL)
}

// NewRedisCacheWithClient creates a cache on an existing client. Useful for
// testing with miniredis.
func NewRedisCacheWithClient(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisCache {
	if keyPrefix == "" {
		keyPrefix = "dipeo:lastevent:"
	}
	if ttl <= 0 {
		ttl = events.DefaultCacheTTL
	}
	return &RedisCache{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
	}
}

func (c *RedisCache) key(channel string) string {
	return c.keyPrefix + channel
}

// Set records the latest event for a channel.
func (c *RedisCache) Set(ctx context.Context, channel string, event *events.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := c.client.Set(ctx, c.key(channel), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache event: %w", err)
	}
	return nil
}

// Get returns the cached event, or nil when absent or expired.
func (c *RedisCache) Get(ctx context.Context, channel string) (*events.Event, error) {
	data, err := c.client.Get(ctx, c.key(channel)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached event: %w", err)
	}

	var event events.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached event: %w", err)
	}
	return &event, nil
}

// Delete drops the cached event for a channel.
func (c *RedisCache) Delete(ctx context.Context, channel string) error {
	if err := c.client.Del(ctx, c.key(channel)).Err(); err != nil {
		return fmt.Errorf("failed to delete cached event: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
