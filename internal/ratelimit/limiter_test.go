package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreLimitBoundary(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	limiter := New(store)
	ctx := context.Background()

	rule := Rule{Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "otp_verify", "WA:1001", rule)
		require.NoError(t, err)
		assert.True(t, ok, "hit %d should be allowed", i+1)
	}

	ok, err := limiter.Allow(ctx, "otp_verify", "WA:1001", rule)
	require.NoError(t, err)
	assert.False(t, ok, "hit past the limit must be denied")
}

func TestMemoryStoreKeysAreIndependent(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	limiter := New(store)
	ctx := context.Background()

	rule := Rule{Limit: 1, Window: time.Minute}

	ok, err := limiter.Allow(ctx, "otp_verify", "WA:1001", rule)
	require.NoError(t, err)
	require.True(t, ok)

	// Same actor, different action.
	ok, err = limiter.Allow(ctx, "otp_generate", "WA:1001", rule)
	require.NoError(t, err)
	assert.True(t, ok)

	// Same action, different actor.
	ok, err = limiter.Allow(ctx, "otp_verify", "WA:2002", rule)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStoreWindowSlides(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	limiter := New(store)
	ctx := context.Background()

	rule := Rule{Limit: 1, Window: 50 * time.Millisecond}

	ok, err := limiter.Allow(ctx, "otp_verify", "WA:1001", rule)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = limiter.Allow(ctx, "otp_verify", "WA:1001", rule)
	require.NoError(t, err)
	require.False(t, ok)

	time.Sleep(60 * time.Millisecond)

	ok, err = limiter.Allow(ctx, "otp_verify", "WA:1001", rule)
	require.NoError(t, err)
	assert.True(t, ok, "hits outside the window must not count")
}

func TestRedisStoreLimitBoundary(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	limiter := New(NewRedisStore(rdb))
	ctx := context.Background()
	rule := Rule{Limit: 2, Window: time.Minute}

	ok, err := limiter.Allow(ctx, "otp_generate", "WA:1001", rule)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Allow(ctx, "otp_generate", "WA:1001", rule)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = limiter.Allow(ctx, "otp_generate", "WA:1001", rule)
	require.NoError(t, err)
	assert.False(t, ok)
}
