package ratelimit

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bucket := New(client, "rl:test", 2)

	allowed, err := bucket.Allow(ctx)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = bucket.Allow(ctx)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = bucket.Allow(ctx)
	require.NoError(t, err)
	require.False(t, allowed, "third dequeue within the window must be throttled")

	// Refill cannot be tested against miniredis.FastForward: the Lua script
	// takes its clock from Go, not from Redis.
}

func TestTokenBucketSharedAcrossConsumers(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	// Two bucket handles with the same key model two pool consumers.
	a := New(client, "rl:shared", 1)
	b := New(client, "rl:shared", 1)

	allowed, err := a.Allow(ctx)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = b.Allow(ctx)
	require.NoError(t, err)
	require.False(t, allowed, "cap must hold across the whole consumer set")
}
