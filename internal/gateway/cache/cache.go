package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mrmushfiq/llm0-gateway/internal/gateway/providers"
	"github.com/mrmushfiq/llm0-gateway/internal/shared/redis"
)

type Cache struct {
	redis   *redis.Client
	enabled bool
	ttl     time.Duration
}

// New creates a new cache instance. enabled/ttl come from the operator's
// CACHE_ENABLED/CACHE_TTL_SECONDS configuration; Get is a guaranteed miss
// and Set a no-op when enabled is false.
func New(redisClient *redis.Client, enabled bool, ttl time.Duration) *Cache {
	return &Cache{redis: redisClient, enabled: enabled, ttl: ttl}
}

// generateCacheKey generates a hash of the request for caching
func (c *Cache) generateCacheKey(req providers.ChatRequest) string {
	// Create a deterministic key from the request
	keyData := fmt.Sprintf("%s:%v:%v:%v:%v",
		req.Model,
		req.Messages,
		req.Temperature,
		req.MaxTokens,
		req.TopP,
	)

	hash := sha256.Sum256([]byte(keyData))
	return "cache:exact:" + hex.EncodeToString(hash[:])
}

// Get retrieves a cached response
func (c *Cache) Get(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	if !c.enabled {
		return nil, nil
	}
	key := c.generateCacheKey(req)

	// Get from Redis
	val, err := c.redis.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	// Deserialize
	var cachedResp providers.ChatResponse
	if err := json.Unmarshal([]byte(val), &cachedResp); err != nil {
		return nil, fmt.Errorf("failed to deserialize cached response: %w", err)
	}

	return &cachedResp, nil
}

// Set stores a response in cache using the configured TTL.
func (c *Cache) Set(ctx context.Context, req providers.ChatRequest, resp *providers.ChatResponse) error {
	if !c.enabled {
		return nil
	}
	key := c.generateCacheKey(req)

	// Serialize response
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to serialize response: %w", err)
	}

	// Store in Redis
	return c.redis.Set(ctx, key, string(data), c.ttl)
}
