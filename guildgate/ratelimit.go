package guildgate

import (
	"context"
	"crypto/sha1" //nolint:gosec // key hashing, not cryptographic use
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const rateLimitKeyPrefix = "rl:"

// rateLimitScript atomically increments the counter for a key, attaching
// the window expiry only when this increment created the key. Splitting
// INCRBY and PEXPIRE across two round trips would let two concurrent
// first-callers race the TTL, or lose increments entirely.
const rateLimitScript = `local count = redis.call('INCRBY', KEYS[1], ARGV[2])
if count == tonumber(ARGV[2]) then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count`

// AtomicRateLimiter enforces "no more than N operations per key per window"
// across every goroutine and shard sharing the coordination store.
//
// Counters follow leaky-counter semantics: an increment is charged even
// when the call is rejected. A rejected caller still consumed budget.
type AtomicRateLimiter struct {
	pool      *Pool
	logger    *slog.Logger
	scriptSHA string

	mu sync.Mutex
	// registered records that the script body has been sent to the store
	// once. A NOSCRIPT error after that is a genuine failure.
	registered bool
}

func NewAtomicRateLimiter(pool *Pool, logger *slog.Logger) *AtomicRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	sum := sha1.Sum([]byte(rateLimitScript)) //nolint:gosec // EVALSHA digest
	return &AtomicRateLimiter{
		pool:      pool,
		logger:    logger.With(loggerNameKey, "rate_limiter"),
		scriptSHA: hex.EncodeToString(sum[:]),
	}
}

// hashResourceKey maps an arbitrary resource identifier to a fixed-width
// store key, bounding key length and keeping counters out of the
// application keyspace.
func hashResourceKey(resource string) string {
	sum := sha1.Sum([]byte(resource)) //nolint:gosec // not cryptographic use
	return rateLimitKeyPrefix + hex.EncodeToString(sum[:])
}

// Allow charges increment against the counter for resource and reports
// whether the post-increment count is within limit. The first increment of
// a window sets the window expiry in the same atomic step.
//
// Store errors propagate uninterpreted: rate limiting never silently fails
// open or closed.
func (r *AtomicRateLimiter) Allow(
	ctx context.Context,
	resource string,
	limit int64,
	window time.Duration,
	increment int64,
) (bool, error) {
	if increment <= 0 {
		increment = 1
	}
	key := hashResourceKey(resource)
	count, err := r.eval(ctx, key, window, increment)
	if err != nil {
		return false, r.pool.WrapError(err)
	}
	allowed := count <= limit
	if !allowed {
		r.logger.DebugContext(
			ctx,
			"rate limit exceeded",
			"resource", resource,
			"count", count,
			"limit", limit,
			"window", window,
		)
	}
	return allowed, nil
}

// eval runs the counter script by SHA, falling back to the full script body
// exactly once per process if the store doesn't have it registered yet.
func (r *AtomicRateLimiter) eval(
	ctx context.Context,
	key string,
	window time.Duration,
	increment int64,
) (int64, error) {
	client := r.pool.Client()
	args := []any{window.Milliseconds(), increment}

	count, err := client.EvalSha(ctx, r.scriptSHA, []string{key}, args...).Int64()
	if err == nil || !redis.HasErrorPrefix(err, "NOSCRIPT") {
		return count, err
	}

	// Concurrent first-callers funnel through here: one sends the script
	// body, the rest wait and retry by SHA. If the script was already
	// registered, nothing is re-sent and a recurring NOSCRIPT propagates
	// as a genuine error.
	r.mu.Lock()
	if !r.registered {
		r.logger.InfoContext(
			ctx,
			"rate limit script not registered, sending script body",
			"sha", r.scriptSHA,
		)
		if loadErr := client.ScriptLoad(ctx, rateLimitScript).Err(); loadErr != nil {
			r.mu.Unlock()
			return 0, loadErr
		}
		r.registered = true
	}
	r.mu.Unlock()

	return client.EvalSha(ctx, r.scriptSHA, []string{key}, args...).Int64()
}
