package caching

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-routes/apperror"
	logger "github.com/Yulian302/lfusys-services-routes/logging"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cachedRoute struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Points   [][]float64 `json:"points"`
	Distance float64     `json:"distance,omitempty"`
}

func newTestCache(t *testing.T) (*RedisCachingService, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisCachingService(client, logger.NewNopLogger()), mr
}

func TestRedisCache_SetGet(t *testing.T) {
	ctx := context.Background()
	cache, _ := newTestCache(t)

	in := cachedRoute{ID: "r1", Name: "Col loop", Points: [][]float64{{7.1, 45.2, 1200.5}}, Distance: 42.195}
	require.NoError(t, cache.Set(ctx, "route:r1", in, time.Minute))

	var out cachedRoute
	hit, err := cache.Get(ctx, "route:r1", &out)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, in, out)
}

func TestRedisCache_MissAndExpiry(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t)

	var out cachedRoute
	hit, err := cache.Get(ctx, "route:absent", &out)
	require.NoError(t, err)
	assert.False(t, hit)

	require.NoError(t, cache.Set(ctx, "route:r2", cachedRoute{ID: "r2"}, time.Minute))
	mr.FastForward(2 * time.Minute)

	hit, err = cache.Get(ctx, "route:r2", &out)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestRedisCache_UndecodableEntryIsAMiss(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t)

	require.NoError(t, mr.Set("route:bad", "\xc1 not msgpack"))

	var out cachedRoute
	hit, err := cache.Get(ctx, "route:bad", &out)
	require.NoError(t, err)
	assert.False(t, hit)
	assert.False(t, mr.Exists("route:bad"))
}

func TestRedisCache_DeleteByPattern(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t)

	for i := 0; i < 1200; i++ {
		require.NoError(t, cache.Set(ctx, fmt.Sprintf("surface:%d,%d", i, i), i, time.Hour))
	}
	require.NoError(t, cache.Set(ctx, "route:keep", "x", time.Hour))

	require.NoError(t, cache.DeleteByPattern(ctx, "surface:*"))

	assert.Equal(t, []string{"route:keep"}, mr.Keys())
}

func TestRedisCache_SetVersionedRefusesSupersededValues(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t)

	stored, err := cache.SetVersioned(ctx, "route:r7", cachedRoute{ID: "r7", Name: "v1"}, 1, time.Hour)
	require.NoError(t, err)
	assert.True(t, stored)

	// a write of version 2 lands while a reader still holds version 1
	require.NoError(t, cache.Invalidate(ctx, "route:r7", 2, time.Hour))
	assert.False(t, mr.Exists("route:r7"))

	stored, err = cache.SetVersioned(ctx, "route:r7", cachedRoute{ID: "r7", Name: "v1"}, 1, time.Hour)
	require.NoError(t, err)
	assert.False(t, stored)
	assert.False(t, mr.Exists("route:r7"))

	stored, err = cache.SetVersioned(ctx, "route:r7", cachedRoute{ID: "r7", Name: "v2"}, 2, time.Hour)
	require.NoError(t, err)
	assert.True(t, stored)

	var got cachedRoute
	hit, err := cache.Get(ctx, "route:r7", &got)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, "v2", got.Name)
}

func TestRedisCache_InvalidateNeverLowersTheFloor(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t)

	require.NoError(t, cache.Invalidate(ctx, "route:r8", 5, time.Hour))
	require.NoError(t, cache.Invalidate(ctx, "route:r8", 3, time.Hour))

	floor, err := mr.Get("route:r8:version")
	require.NoError(t, err)
	assert.Equal(t, "5", floor)

	stored, err := cache.SetVersioned(ctx, "route:r8", cachedRoute{ID: "r8"}, 4, time.Hour)
	require.NoError(t, err)
	assert.False(t, stored)
}

func TestRedisCache_UnavailableIsReported(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t)
	mr.Close()

	_, err := cache.Get(ctx, "route:r1", &cachedRoute{})
	require.ErrorIs(t, err, apperror.ErrCacheUnavailable)

	err = cache.DeleteByPattern(ctx, "route:*")
	require.ErrorIs(t, err, apperror.ErrCacheUnavailable)
}

func TestEscapePattern(t *testing.T) {
	assert.Equal(t, `batch-\*\?`, EscapePattern("batch-*?"))
	assert.Equal(t, "batch-42-", EscapePattern("batch-42-"))
}

func TestNullCache(t *testing.T) {
	ctx := context.Background()
	var c CachingService = NewNullCachingService()

	require.NoError(t, c.Set(ctx, "k", 1, time.Minute))
	hit, err := c.Get(ctx, "k", new(int))
	require.NoError(t, err)
	assert.False(t, hit)
	require.NoError(t, c.DeleteByPattern(ctx, "*"))

	var vc VersionedCache = NewNullCachingService()
	stored, err := vc.SetVersioned(ctx, "k", 1, 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, stored)
	require.NoError(t, vc.Invalidate(ctx, "k", 2, time.Minute))
}
