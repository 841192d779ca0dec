package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Client struct {
	client *redis.Client
}

// New creates a new Redis client
func New(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("Redis ping failed: %w", err)
	}

	return &Client{client: client}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Get retrieves a value by key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("key not found")
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

// Set stores a value with TTL
func (c *Client) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Incr increments a counter
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, key).Result()
}

// Expire sets a TTL on a key
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.Expire(ctx, key, ttl).Err()
}

// Del removes a key.
func (c *Client) Del(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// IncrBy atomically adds delta to a counter and returns the new value.
func (c *Client) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return c.client.IncrBy(ctx, key, delta).Result()
}

// DecrBy atomically subtracts delta from a counter and returns the new
// value.
func (c *Client) DecrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return c.client.DecrBy(ctx, key, delta).Result()
}

// HIncrByMap atomically adds each field's delta to a hash in a single
// pipelined round trip and returns the post-increment values for every
// field touched. This is the "atomic single-step" increment spec.md §5
// requires for usage counters: no read-modify-write in the application.
func (c *Client) HIncrByMap(ctx context.Context, key string, deltas map[string]int64) (map[string]int64, error) {
	pipe := c.client.TxPipeline()
	cmds := make(map[string]*redis.IntCmd, len(deltas))
	for field, delta := range deltas {
		cmds[field] = pipe.HIncrBy(ctx, key, field, delta)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(cmds))
	for field, cmd := range cmds {
		out[field] = cmd.Val()
	}
	return out, nil
}

// HGetAllInt64 reads every field of a hash as int64, defaulting absent
// fields to zero.
func (c *Client) HGetAllInt64(ctx context.Context, key string) (map[string]int64, error) {
	raw, err := c.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		var n int64
		fmt.Sscanf(v, "%d", &n)
		out[k] = n
	}
	return out, nil
}

// ZAddNow adds a member to a sorted set scored by the given unix-nanosecond
// timestamp, used by the per-key sliding-window counter.
func (c *Client) ZAddNow(ctx context.Context, key, member string, score float64, ttl time.Duration) error {
	pipe := c.client.TxPipeline()
	pipe.ZAdd(ctx, key, &redis.Z{Score: score, Member: member})
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// ZCountSince removes sorted-set members scored before `since` and returns
// the count of members remaining, implementing the sliding window of
// spec.md §4.3 as a single round trip.
func (c *Client) ZCountSince(ctx context.Context, key string, since float64) (int64, error) {
	pipe := c.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%f", since))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return countCmd.Val(), nil
}

// SAdd adds member to a set, used to track which models a key has recorded
// usage under (so the per-model breakdown endpoint can enumerate them
// without a full key scan).
func (c *Client) SAdd(ctx context.Context, key, member string) error {
	return c.client.SAdd(ctx, key, member).Err()
}

// SMembers lists every member of a set.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.client.SMembers(ctx, key).Result()
}
