package guildgate

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRedisConfig(addr string) RedisConfig {
	return RedisConfig{
		Addr:           addr,
		MaxConnections: 5,
		ConnectTimeout: time.Second,
		Retry: RetryPolicy{
			BaseDelay:   10 * time.Millisecond,
			MaxAttempts: 3,
		},
		HealthProbes: 2,
	}
}

func testPool(t *testing.T) (*Pool, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	pool, err := Connect(context.Background(), testRedisConfig(mr.Addr()), testLogger())
	require.NoError(t, err)
	t.Cleanup(
		func() {
			_ = pool.Close()
		},
	)
	return pool, mr
}

func TestConnect(t *testing.T) {
	t.Parallel()
	pool, _ := testPool(t)

	require.NoError(t, pool.Client().Ping(context.Background()).Err())

	stats := pool.Stats()
	require.NotNil(t, stats)
}

func TestConnectExhaustsRetries(t *testing.T) {
	t.Parallel()
	cfg := testRedisConfig("127.0.0.1:1")
	cfg.ConnectTimeout = 100 * time.Millisecond

	start := time.Now()
	_, err := Connect(context.Background(), cfg, testLogger())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionExhausted)

	// 3 attempts with 10ms base delay should fail fast, not hang
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPoolCloseIdempotent(t *testing.T) {
	t.Parallel()
	pool, _ := testPool(t)

	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close())
}

func TestRetryPolicyDelay(t *testing.T) {
	t.Parallel()
	policy := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxAttempts: 5}

	for attempt := 0; attempt < 4; attempt++ {
		base := policy.BaseDelay << attempt
		for i := 0; i < 50; i++ {
			d := policy.delay(attempt)
			assert.GreaterOrEqual(t, d, base/2, "attempt %d", attempt)
			assert.LessOrEqual(t, d, base, "attempt %d", attempt)
		}
	}
}

func TestWrapError(t *testing.T) {
	t.Parallel()
	pool, _ := testPool(t)

	assert.NoError(t, pool.WrapError(nil))
	assert.Equal(t, io.EOF, pool.WrapError(io.EOF))
}
