// Package cache provides a tiny Redis client wrapper for decision caching
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a Redis client for storing previously computed actions. Entries
// are keyed by model digest plus observation digest, so a reload naturally
// invalidates the whole cache. Only deterministic sessions (greedy policy, no
// recurrent state) should consult it.
type Cache struct {
	client *redis.Client
}

// New creates a new Cache instance connected to the specified Redis address
// If addr is empty, defaults to localhost:6379
func New(addr string) (*Cache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "", // No password by default
		DB:       0,  // Default DB
	})

	// Test connection
	ctx := context.Background()
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	return &Cache{client: client}, nil
}

// SetDecision stores an encoded action for one (model, observation) pair.
func (c *Cache) SetDecision(modelDigest, obsDigest, data string, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("cache client is nil")
	}

	ctx := context.Background()
	key := decisionKey(modelDigest, obsDigest)

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set decision %s: %w", key, err)
	}
	return nil
}

// GetDecision retrieves a previously stored action. A miss returns "" with a
// nil error.
func (c *Cache) GetDecision(modelDigest, obsDigest string) (string, error) {
	if c == nil || c.client == nil {
		return "", fmt.Errorf("cache client is nil")
	}

	ctx := context.Background()
	key := decisionKey(modelDigest, obsDigest)

	data, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil // Key does not exist
	}
	if err != nil {
		return "", fmt.Errorf("failed to get decision %s: %w", key, err)
	}
	return data, nil
}

func decisionKey(modelDigest, obsDigest string) string {
	return fmt.Sprintf("decision:%s:%s", modelDigest, obsDigest)
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}
