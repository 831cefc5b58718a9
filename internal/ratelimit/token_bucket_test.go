package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	now := time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)
	bucket := NewTokenBucket(client, 2, 1, time.Minute).WithClock(func() time.Time { return now })

	key := TransferKey("user-1")
	allowed, _, err := bucket.Allow(ctx, key)
	require.NoError(t, err)
	assert.True(t, allowed, "first token")
	allowed, tokens, _ := bucket.Allow(ctx, key)
	assert.True(t, allowed, "second token")
	assert.InDelta(t, 0, tokens, 1e-9)
	allowed, _, _ = bucket.Allow(ctx, key)
	assert.False(t, allowed, "third token rejected")

	// The clock is injected, so refill is observable.
	now = now.Add(1500 * time.Millisecond)
	allowed, tokens, _ = bucket.Allow(ctx, key)
	assert.True(t, allowed)
	assert.InDelta(t, 0.5, tokens, 1e-9)

	other, _, _ := bucket.Allow(ctx, TransferKey("user-2"))
	assert.True(t, other, "buckets are per key")
}
