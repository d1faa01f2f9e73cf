package services

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	limiter := NewRateLimiter(client, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "user-1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := limiter.Allow(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Other users have their own window
	ok, err = limiter.Allow(ctx, "user-2")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(time.Minute + time.Second)
	ok, err = limiter.Allow(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, limiter.Reset(ctx, "user-1"))
	assert.False(t, mr.Exists(rateLimitKeyPrefix+"user-1"))
}

func TestRateLimiter_Disabled(t *testing.T) {
	ctx := context.Background()

	ok, err := NewRateLimiter(nil, 1, time.Minute).Allow(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, ok)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	unlimited := NewRateLimiter(client, 0, time.Minute)
	for i := 0; i < 5; i++ {
		ok, err := unlimited.Allow(ctx, "user-1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestRateLimiter_FailsOpenWhenRedisIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	ok, err := NewRateLimiter(client, 1, time.Minute).Allow(context.Background(), "user-1")
	assert.Error(t, err)
	assert.True(t, ok)
}
