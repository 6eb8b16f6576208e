package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, perHour int) *RedisLuaLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLuaLimiter(rdb, NewBucketConfigFromPerHour(perHour))
}

func TestAllowConsumesBucket(t *testing.T) {
	t.Parallel()
	l := newLimiter(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := l.Allow(ctx, "tenant-a")
		require.NoError(t, err)
		assert.True(t, allowed, "call %d", i)
	}
	allowed, retryAfter, err := l.Allow(ctx, "tenant-a")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Positive(t, retryAfter)
}

func TestTenantsAreIsolated(t *testing.T) {
	t.Parallel()
	l := newLimiter(t, 1)
	ctx := context.Background()

	allowed, _, err := l.Allow(ctx, "tenant-a")
	require.NoError(t, err)
	require.True(t, allowed)
	allowed, _, err = l.Allow(ctx, "tenant-a")
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, _, err = l.Allow(ctx, "tenant-b")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestNilLimiterAllowsEverything(t *testing.T) {
	t.Parallel()
	var l *RedisLuaLimiter
	allowed, retryAfter, err := l.Allow(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Zero(t, retryAfter)
}

func TestZeroCapacityAllowsEverything(t *testing.T) {
	t.Parallel()
	l := newLimiter(t, 0)
	allowed, _, err := l.Allow(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRetryAfterShrinksWithRefill(t *testing.T) {
	t.Parallel()
	l := newLimiter(t, 3600) // one token per second
	ctx := context.Background()
	for i := 0; i < 3600; i++ {
		_, _, err := l.Allow(ctx, "tenant-a")
		require.NoError(t, err)
	}
	allowed, retryAfter, err := l.Allow(ctx, "tenant-a")
	require.NoError(t, err)
	require.False(t, allowed)
	assert.LessOrEqual(t, retryAfter, 2*time.Second)
}
