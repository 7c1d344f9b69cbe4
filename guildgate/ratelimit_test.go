package guildgate

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterBoundary(t *testing.T) {
	t.Parallel()
	pool, mr := testPool(t)
	limiter := NewAtomicRateLimiter(pool, testLogger())
	ctx := context.Background()

	const limit = 5
	window := time.Minute

	for i := 0; i < limit; i++ {
		allowed, err := limiter.Allow(ctx, "send-message", limit, window, 1)
		require.NoError(t, err)
		assert.Truef(t, allowed, "call %d should be allowed", i+1)
	}

	allowed, err := limiter.Allow(ctx, "send-message", limit, window, 1)
	require.NoError(t, err)
	assert.False(t, allowed, "call over the limit should be rejected")

	// window elapses, counter resets
	mr.FastForward(window + time.Second)

	allowed, err = limiter.Allow(ctx, "send-message", limit, window, 1)
	require.NoError(t, err)
	assert.True(t, allowed, "fresh window should be allowed")
}

// TestRateLimiterAtomicity fires 2*limit concurrent calls against a fresh
// key and verifies exactly limit are allowed: no increment lost, none
// double-counted.
func TestRateLimiterAtomicity(t *testing.T) {
	t.Parallel()
	pool, _ := testPool(t)
	limiter := NewAtomicRateLimiter(pool, testLogger())
	ctx := context.Background()

	const limit = 10
	results := make(chan bool, limit*2)

	wg := &sync.WaitGroup{}
	for i := 0; i < limit*2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed, err := limiter.Allow(ctx, "concurrent", limit, time.Minute, 1)
			assert.NoError(t, err)
			results <- allowed
		}()
	}
	wg.Wait()
	close(results)

	allowedCount := 0
	rejectedCount := 0
	for allowed := range results {
		if allowed {
			allowedCount++
		} else {
			rejectedCount++
		}
	}
	assert.Equal(t, limit, allowedCount)
	assert.Equal(t, limit, rejectedCount)
}

// TestRateLimiterChargesRejected verifies leaky-counter semantics: rejected
// calls still consume budget, so a caller hammering past the limit doesn't
// get a free window reset.
func TestRateLimiterChargesRejected(t *testing.T) {
	t.Parallel()
	pool, _ := testPool(t)
	limiter := NewAtomicRateLimiter(pool, testLogger())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := limiter.Allow(ctx, "charged", 2, time.Minute, 1)
		require.NoError(t, err)
	}

	count, err := pool.Client().Get(ctx, hashResourceKey("charged")).Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
}

func TestRateLimiterScriptFallback(t *testing.T) {
	t.Parallel()
	pool, _ := testPool(t)
	limiter := NewAtomicRateLimiter(pool, testLogger())

	// Fresh store: the first EVALSHA gets NOSCRIPT and falls back to the
	// full script body exactly once.
	allowed, err := limiter.Allow(context.Background(), "fallback", 1, time.Minute, 1)
	require.NoError(t, err)
	assert.True(t, allowed)

	limiter.mu.Lock()
	registered := limiter.registered
	limiter.mu.Unlock()
	assert.True(t, registered)

	// Registered now: EVALSHA succeeds directly.
	allowed, err = limiter.Allow(context.Background(), "fallback", 1, time.Minute, 1)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestHashResourceKey(t *testing.T) {
	t.Parallel()

	short := hashResourceKey("a")
	long := hashResourceKey(strings.Repeat("a", 10_000))

	assert.True(t, strings.HasPrefix(short, "rl:"))
	assert.Equal(t, len(short), len(long), "hashed keys are fixed-width")
	assert.NotEqual(t, short, long)
	assert.Equal(t, short, hashResourceKey("a"))
}

func TestRateLimiterIncrementDefault(t *testing.T) {
	t.Parallel()
	pool, _ := testPool(t)
	limiter := NewAtomicRateLimiter(pool, testLogger())
	ctx := context.Background()

	allowed, err := limiter.Allow(ctx, "default-inc", 1, time.Minute, 0)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = limiter.Allow(ctx, "default-inc", 1, time.Minute, 0)
	require.NoError(t, err)
	assert.False(t, allowed)
}
