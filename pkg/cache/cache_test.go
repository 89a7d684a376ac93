package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_StoreAndGet(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	ctx := context.Background()

	err := c.StoreResult(ctx, "weather-api", "api:v2", map[string]interface{}{"temp": 21.5})
	require.NoError(t, err)

	entry, err := c.GetResult(ctx, "weather-api")
	require.NoError(t, err)
	assert.Equal(t, "weather-api", entry.OperationKey)
	assert.Equal(t, "api:v2", entry.StrategyID)
	assert.WithinDuration(t, time.Now().UTC(), entry.CachedAt, 5*time.Second)

	var value map[string]interface{}
	require.NoError(t, json.Unmarshal(entry.Value, &value))
	assert.Equal(t, 21.5, value["temp"])
}

func TestMemoryCache_Miss(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	_, err := c.GetResult(context.Background(), "never-stored")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache(10 * time.Millisecond)
	ctx := context.Background()

	require.NoError(t, c.StoreResult(ctx, "weather-api", "api:v2", "sunny"))
	time.Sleep(30 * time.Millisecond)

	_, err := c.GetResult(ctx, "weather-api")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryCache_OverwriteKeepsLatest(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	ctx := context.Background()

	require.NoError(t, c.StoreResult(ctx, "weather-api", "api:v1", "cloudy"))
	require.NoError(t, c.StoreResult(ctx, "weather-api", "api:v2", "sunny"))

	entry, err := c.GetResult(ctx, "weather-api")
	require.NoError(t, err)
	assert.Equal(t, "api:v2", entry.StrategyID)

	var value string
	require.NoError(t, json.Unmarshal(entry.Value, &value))
	assert.Equal(t, "sunny", value)
}

func TestMemoryCache_KeysAreIsolated(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	ctx := context.Background()

	require.NoError(t, c.StoreResult(ctx, "weather-api", "api:v2", "sunny"))

	_, err := c.GetResult(ctx, "stock-api")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestCacheKeyFormat(t *testing.T) {
	assert.Equal(t, "rebound:last_result:weather-api", cacheKey("weather-api"))
}
