package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fjod/storefront-cart/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis creates a miniredis server and returns a RedisCache instance
func setupTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis, func()) {
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	cache := NewRedisCache(client, 0)

	cleanup := func() {
		client.Close()
		mr.Close()
	}

	return cache, mr, cleanup
}

func sampleCart(email string) *domain.Cart {
	return &domain.Cart{
		Email: email,
		Lines: []domain.CartLine{
			{ID: "l1", ProductID: "p1", SelectedColor: "red", UnitPrice: domain.NewPrice(100), Quantity: 2},
			{ID: "l2", ProductID: "p2", UnitPrice: domain.NewPrice(150), Quantity: 1},
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func TestGet_Success(t *testing.T) {
	cache, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	email := "a@example.com"
	cartJSON, err := json.Marshal(sampleCart(email))
	require.NoError(t, err)
	require.NoError(t, mr.Set(cacheKey(email), string(cartJSON)))

	result, err := cache.Get(context.Background(), email)
	require.NoError(t, err)
	assert.Equal(t, email, result.Email)
	require.Len(t, result.Lines, 2)
	assert.Equal(t, "red", result.Lines[0].SelectedColor)
	assert.Equal(t, "100", result.Lines[0].UnitPrice.String())
}

func TestGet_CacheMiss(t *testing.T) {
	cache, _, cleanup := setupTestRedis(t)
	defer cleanup()

	result, err := cache.Get(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.Nil(t, result)
}

func TestGet_InvalidJSON(t *testing.T) {
	cache, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	email := "a@example.com"
	require.NoError(t, mr.Set(cacheKey(email), `{"email":"a@ex`))

	_, err := cache.Get(context.Background(), email)
	require.ErrorContains(t, err, "unmarshal cart failed")
}

func TestSet_WithTTL(t *testing.T) {
	cache, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	email := "b@example.com"
	require.NoError(t, cache.Set(context.Background(), email, sampleCart(email)))

	stored, err := mr.Get(cacheKey(email))
	require.NoError(t, err)
	var storedCart domain.Cart
	require.NoError(t, json.Unmarshal([]byte(stored), &storedCart))
	assert.Len(t, storedCart.Lines, 2)

	ttl := mr.TTL(cacheKey(email))
	assert.True(t, ttl >= 15*time.Minute, "TTL should be at least base TTL")
	assert.True(t, ttl <= 20*time.Minute, "TTL should be base + max jitter")
}

func TestSet_CustomTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	cache := NewRedisCache(client, time.Minute)

	require.NoError(t, cache.Set(context.Background(), "c@example.com", sampleCart("c@example.com")))

	ttl := mr.TTL(cacheKey("c@example.com"))
	assert.True(t, ttl >= time.Minute && ttl <= 6*time.Minute)
}

func TestDelete(t *testing.T) {
	cache, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	email := "d@example.com"
	require.NoError(t, mr.Set(cacheKey(email), `{}`))
	require.NoError(t, cache.Delete(context.Background(), email))
	assert.False(t, mr.Exists(cacheKey(email)))

	// Deleting non-existent key should not error
	assert.NoError(t, cache.Delete(context.Background(), "nonexistent"))
}

func TestCacheKey_Format(t *testing.T) {
	assert.Equal(t, "cart:a@example.com", cacheKey("a@example.com"))
	assert.Equal(t, "cart-version:a@example.com", versionKey("a@example.com"))
}

func TestSetIfVersion(t *testing.T) {
	cache, mr, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()
	email := "e@example.com"

	v, err := cache.Version(ctx, email)
	require.NoError(t, err)
	assert.Zero(t, v)
	require.NoError(t, cache.SetIfVersion(ctx, email, sampleCart(email), v))
	assert.True(t, mr.Exists(cacheKey(email)))

	require.NoError(t, cache.Delete(ctx, email))
	assert.False(t, mr.Exists(cacheKey(email)))
	next, err := cache.Version(ctx, email)
	require.NoError(t, err)
	assert.EqualValues(t, 1, next)

	// a snapshot read before the delete must not come back
	assert.ErrorIs(t, cache.SetIfVersion(ctx, email, sampleCart(email), v), ErrStale)
	assert.False(t, mr.Exists(cacheKey(email)))

	require.NoError(t, cache.SetIfVersion(ctx, email, sampleCart(email), next))
	_, err = cache.Get(ctx, email)
	assert.NoError(t, err)
}
