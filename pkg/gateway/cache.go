package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultIdempotencyTTL is how long a response is replayed for a repeated idempotency key
const DefaultIdempotencyTTL = 5 * time.Minute

// ErrRequestInProgress is returned by ResponseCache.Get while the first request
// for a key still holds its reservation
var ErrRequestInProgress = errors.New("duplicate request currently processing")

// ResponseCache stores responses of requests that carried an idempotency key.
// Reserve claims a key atomically; only the caller that wins the reservation
// runs the handler, then replaces the reservation with Set or drops it with Release.
type ResponseCache interface {
	Get(ctx context.Context, key string) (RPCResponse, bool, error)
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, response RPCResponse, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

type cachedRPCResponse struct {
	response  RPCResponse
	pending   bool
	expiresAt time.Time
}

// MemoryCache is a process-local ResponseCache
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]cachedRPCResponse
	now     func() time.Time
}

// NewMemoryCache creates an empty in-memory response cache
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]cachedRPCResponse),
		now:     time.Now,
	}
}

// Get returns the cached response for key if it has not expired
func (c *MemoryCache) Get(_ context.Context, key string) (RPCResponse, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists {
		return RPCResponse{}, false, nil
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return RPCResponse{}, false, nil
	}
	if entry.pending {
		return RPCResponse{}, false, ErrRequestInProgress
	}
	return cloneRPCResponse(entry.response), true, nil
}

// Reserve marks key as in flight unless a live entry already holds it
func (c *MemoryCache) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.entries[key]; exists && !now.After(entry.expiresAt) {
		return false, nil
	}
	c.entries[key] = cachedRPCResponse{pending: true, expiresAt: now.Add(ttl)}
	return true, nil
}

// Release drops the reservation or response stored under key
func (c *MemoryCache) Release(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
	return nil
}

// Set stores response under key and evicts expired entries
func (c *MemoryCache) Set(_ context.Context, key string, response RPCResponse, ttl time.Duration) error {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cachedRPCResponse{
		response:  cloneRPCResponse(response),
		expiresAt: now.Add(ttl),
	}
	for cacheKey, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, cacheKey)
		}
	}
	return nil
}

const (
	redisKeyPrefix = "walta:idempotency:v1:"

	// inProgressMarker occupies a key between Reserve and Set
	inProgressMarker = "__in_progress__"
)

// RedisCache is a ResponseCache shared across gateway instances
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache wraps an existing Redis client
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// NewRedisClient parses url and verifies connectivity
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

// Get returns the cached response for key
func (c *RedisCache) Get(ctx context.Context, key string) (RPCResponse, bool, error) {
	raw, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return RPCResponse{}, false, nil
	}
	if err != nil {
		return RPCResponse{}, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	if string(raw) == inProgressMarker {
		return RPCResponse{}, false, ErrRequestInProgress
	}

	var response RPCResponse
	if err := json.Unmarshal(raw, &response); err != nil {
		return RPCResponse{}, false, fmt.Errorf("decode cached response: %w", err)
	}
	return response, true, nil
}

// Set stores response under key with the given TTL
func (c *RedisCache) Set(ctx context.Context, key string, response RPCResponse, ttl time.Duration) error {
	payload, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist response: %w", err)
	}
	return nil
}

// Reserve stores the in-progress marker under key if the key is free
func (c *RedisCache) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, redisKeyPrefix+key, inProgressMarker, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	return ok, nil
}

// Release deletes whatever is stored under key
func (c *RedisCache) Release(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

func cloneRPCResponse(src RPCResponse) RPCResponse {
	cloned := RPCResponse{
		ID:      append(RequestID(nil), src.ID...),
		Result:  src.Result,
		JSONRPC: src.JSONRPC,
	}
	if src.Error != nil {
		errCopy := *src.Error
		cloned.Error = &errCopy
	}
	return cloned
}
