package guildgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
)

// Pool manages connections to the coordination store. Construction retries
// transient failures with bounded, jittered backoff; afterwards the
// underlying client maintains a bounded set of reusable connections shared
// by every caller in the process.
type Pool struct {
	client    *redis.Client
	config    RedisConfig
	logger    *slog.Logger
	closeOnce sync.Once
	closeErr  error
}

// delay returns the sleep before retrying the given zero-based attempt:
// equal jitter over a base that doubles per attempt.
func (r RetryPolicy) delay(attempt int) time.Duration {
	base := r.BaseDelay << attempt
	if base <= 0 {
		return 0
	}
	half := base / 2
	return half + rand.N(half+1)
}

// Connect builds a Pool for the given store, retrying per cfg.Retry. On
// exhaustion it returns ErrConnectionExhausted wrapping the last dial error.
func Connect(
	ctx context.Context,
	cfg RedisConfig,
	logger *slog.Logger,
) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(loggerNameKey, "redis_pool")

	var lastErr error
	for attempt := 0; attempt < cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := cfg.Retry.delay(attempt - 1)
			logger.WarnContext(
				ctx,
				"retrying coordination store connection",
				"attempt", attempt,
				"wait", wait,
				tint.Err(lastErr),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		client := redis.NewClient(
			&redis.Options{
				Addr:         cfg.Addr,
				Password:     cfg.Password,
				DB:           cfg.DB,
				PoolSize:     cfg.MaxConnections,
				PoolTimeout:  cfg.ConnectTimeout,
				DialTimeout:  cfg.ConnectTimeout,
				ReadTimeout:  cfg.ConnectTimeout,
				WriteTimeout: cfg.ConnectTimeout,
			},
		)

		pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			lastErr = err
			_ = client.Close()
			continue
		}

		p := &Pool{client: client, config: cfg, logger: logger}
		if cfg.HealthProbes > 0 {
			p.healthCheck(ctx)
		}
		return p, nil
	}

	return nil, fmt.Errorf(
		"%w: %d attempts: %w",
		ErrConnectionExhausted,
		cfg.Retry.MaxAttempts,
		lastErr,
	)
}

// healthCheck issues round-trip probes and logs aggregate latency. It does
// not affect behavior.
func (p *Pool) healthCheck(ctx context.Context) {
	var total time.Duration
	probes := 0
	for i := 0; i < p.config.HealthProbes; i++ {
		start := time.Now()
		if err := p.client.Ping(ctx).Err(); err != nil {
			p.logger.WarnContext(ctx, "health probe failed", tint.Err(err))
			continue
		}
		total += time.Since(start)
		probes++
	}
	if probes == 0 {
		return
	}
	p.logger.InfoContext(
		ctx,
		"coordination store reachable",
		"probes", probes,
		"avg_latency", total/time.Duration(probes),
	)
}

// Client returns the shared store client. Callers must not assume exclusive
// access to any underlying connection; all shared state in the store is
// mutated only through the atomic primitives in this package.
func (p *Pool) Client() *redis.Client {
	return p.client
}

// Stats returns a snapshot of pool occupancy counters.
func (p *Pool) Stats() *redis.PoolStats {
	return p.client.PoolStats()
}

// WrapError maps pool-exhaustion errors onto ErrConnectionExhausted so
// callers can test for the condition without importing the client library.
// Other errors pass through unchanged.
func (p *Pool) WrapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.ErrPoolTimeout) {
		return fmt.Errorf("%w: %w", ErrConnectionExhausted, err)
	}
	return err
}

// Close releases the pool. A second call is a no-op.
func (p *Pool) Close() error {
	p.closeOnce.Do(
		func() {
			p.logger.Info("closing coordination store pool")
			p.closeErr = p.client.Close()
		},
	)
	return p.closeErr
}
