// Package cache stores the last successful result per operation key so the
// engine can serve a stale value as a degraded response while a circuit is
// open.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rebound-engine/rebound/pkg/errors"
)

// DefaultTTL bounds how stale a degraded response may be
const DefaultTTL = 1 * time.Hour

const keyPrefix = "rebound:last_result"

// ErrMiss is returned when no cached result exists for the operation key
var ErrMiss = errors.New(errors.KindUnknown, "CACHE_MISS", "no cached result for operation")

// Entry is a cached operation result with its capture time
type Entry struct {
	OperationKey string          `json:"operation_key"`
	StrategyID   string          `json:"strategy_id"`
	Value        json.RawMessage `json:"value"`
	CachedAt     time.Time       `json:"cached_at"`
}

// ResultCache is the engine's view of the degraded-response store
type ResultCache interface {
	// StoreResult records the latest successful value for the key
	StoreResult(ctx context.Context, operationKey, strategyID string, value interface{}) error
	// GetResult returns the most recent entry, or ErrMiss
	GetResult(ctx context.Context, operationKey string) (*Entry, error)
}

func cacheKey(operationKey string) string {
	return fmt.Sprintf("%s:%s", keyPrefix, operationKey)
}

// RedisCache backs ResultCache with Redis
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed result cache. A non-positive ttl
// falls back to DefaultTTL.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) StoreResult(ctx context.Context, operationKey, strategyID string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.NewDataError("failed to serialize cached result").WithCause(err)
	}

	entry, err := json.Marshal(Entry{
		OperationKey: operationKey,
		StrategyID:   strategyID,
		Value:        raw,
		CachedAt:     time.Now().UTC(),
	})
	if err != nil {
		return errors.NewDataError("failed to serialize cache entry").WithCause(err)
	}

	if err := c.client.Set(ctx, cacheKey(operationKey), entry, c.ttl).Err(); err != nil {
		return errors.NewUnknownError("failed to store cached result").WithCause(err)
	}
	return nil
}

func (c *RedisCache) GetResult(ctx context.Context, operationKey string) (*Entry, error) {
	data, err := c.client.Get(ctx, cacheKey(operationKey)).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, errors.NewUnknownError("failed to read cached result").WithCause(err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, errors.NewDataError("cached result is malformed").WithCause(err)
	}
	return &entry, nil
}

// MemoryCache backs ResultCache with an in-process map. It serves
// deployments without Redis and the test suite.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

// NewMemoryCache creates an in-process result cache
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
	}
}

func (c *MemoryCache) StoreResult(ctx context.Context, operationKey, strategyID string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.NewDataError("failed to serialize cached result").WithCause(err)
	}

	now := time.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[operationKey] = memoryEntry{
		entry: Entry{
			OperationKey: operationKey,
			StrategyID:   strategyID,
			Value:        raw,
			CachedAt:     now,
		},
		expiresAt: now.Add(c.ttl),
	}
	return nil
}

func (c *MemoryCache) GetResult(ctx context.Context, operationKey string) (*Entry, error) {
	c.mu.RLock()
	stored, ok := c.entries[operationKey]
	c.mu.RUnlock()

	if !ok || time.Now().After(stored.expiresAt) {
		return nil, ErrMiss
	}
	entry := stored.entry
	return &entry, nil
}
