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

func newMiniredisClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestReplayProtection_Redis(t *testing.T) {
	mr, client := newMiniredisClient(t)
	rp := NewReplayProtection(client, 24*time.Hour)
	defer rp.Stop()
	ctx := context.Background()

	assert.True(t, rp.Claim(ctx, "uuid-1"))
	assert.False(t, rp.Claim(ctx, "uuid-1"))
	assert.True(t, rp.Claim(ctx, "uuid-2"))

	assert.True(t, mr.Exists("appstore:notification:uuid-1"))
	assert.Equal(t, 24*time.Hour, mr.TTL("appstore:notification:uuid-1"))

	rp.Release(ctx, "uuid-1")
	assert.False(t, mr.Exists("appstore:notification:uuid-1"))
	assert.True(t, rp.Claim(ctx, "uuid-1"))

	// Claims expire with the key
	mr.FastForward(25 * time.Hour)
	assert.True(t, rp.Claim(ctx, "uuid-2"))
}

func TestReplayProtection_SharedAcrossInstances(t *testing.T) {
	_, client := newMiniredisClient(t)
	first := NewReplayProtection(client, time.Hour)
	second := NewReplayProtection(client, time.Hour)
	defer first.Stop()
	defer second.Stop()

	assert.True(t, first.Claim(context.Background(), "uuid-1"))
	assert.False(t, second.Claim(context.Background(), "uuid-1"))
}

func TestReplayProtection_Memory(t *testing.T) {
	rp := NewReplayProtection(nil, time.Hour)
	defer rp.Stop()
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rp.now = func() time.Time { return now }

	assert.True(t, rp.Claim(ctx, "uuid-1"))
	assert.False(t, rp.Claim(ctx, "uuid-1"))

	rp.Release(ctx, "uuid-1")
	assert.True(t, rp.Claim(ctx, "uuid-1"))

	now = now.Add(2 * time.Hour)
	assert.True(t, rp.Claim(ctx, "uuid-1"))

	rp.cleanup()
	rp.now = func() time.Time { return now.Add(3 * time.Hour) }
	rp.cleanup()
	assert.Empty(t, rp.processedNotifications)
}

func TestReplayProtection_EmptyUUIDAlwaysClaimed(t *testing.T) {
	rp := NewReplayProtection(nil, time.Hour)
	defer rp.Stop()

	assert.True(t, rp.Claim(context.Background(), ""))
	assert.True(t, rp.Claim(context.Background(), ""))
}

func TestReplayProtection_FallsBackWhenRedisIsDown(t *testing.T) {
	mr, client := newMiniredisClient(t)
	rp := NewReplayProtection(client, time.Hour)
	defer rp.Stop()
	mr.Close()

	ctx := context.Background()
	require.True(t, rp.Claim(ctx, "uuid-1"))
	assert.False(t, rp.Claim(ctx, "uuid-1"))
}
