package kv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seedvault/seedvault/pkg/errdefs"
)

// Client wraps a Redis connection with the small KV surface the pipeline
// needs: atomic SetNX with TTL, GetDel, plain Get/Del, and stream appends.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection settings
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New creates a Redis-backed KV client.
func New(cfg Config) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Client{rdb: rdb}
}

// NewFromRedis wraps an existing Redis client. Used by tests with miniredis.
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Redis exposes the underlying client for components that need richer
// commands (scripts, lists, sorted sets).
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return errdefs.Wrap(errdefs.CodeRedisError, err, "redis ping failed")
	}
	return nil
}

// SetNX sets key to value only if it does not exist, with a TTL.
// Returns true if the key was set.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, errdefs.Wrap(errdefs.CodeRedisError, err, "setnx %s", key)
	}
	return ok, nil
}

// Get returns the value at key, or ok=false if the key is absent.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errdefs.Wrap(errdefs.CodeRedisError, err, "get %s", key)
	}
	return val, true, nil
}

// GetDel atomically reads and deletes key, or ok=false if absent.
func (c *Client) GetDel(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errdefs.Wrap(errdefs.CodeRedisError, err, "getdel %s", key)
	}
	return val, true, nil
}

// Set writes key unconditionally with a TTL.
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return errdefs.Wrap(errdefs.CodeRedisError, err, "set %s", key)
	}
	return nil
}

// Del removes key.
func (c *Client) Del(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return errdefs.Wrap(errdefs.CodeRedisError, err, "del %s", key)
	}
	return nil
}

// XAdd appends an entry to a stream, trimming to approximately maxLen.
func (c *Client) XAdd(ctx context.Context, stream string, maxLen int64, values map[string]any) error {
	err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return errdefs.Wrap(errdefs.CodeRedisError, err, "xadd %s", stream)
	}
	return nil
}
