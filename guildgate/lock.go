package guildgate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
)

const (
	lockKeyPrefix = "lease:"

	// leaseExtendDivisor sets the renewal cadence relative to the lease
	// TTL: a lease is extended every TTL/60, so dozens of renewals must
	// fail before the lease can be lost while its holder is alive.
	leaseExtendDivisor = 60

	minLeaseExtendInterval = 100 * time.Millisecond
)

// leaseExtendScript extends a lease's TTL only while the stored token still
// matches the caller's. Blindly re-setting the TTL would resurrect a lease
// that already expired and was re-acquired by another holder.
var leaseExtendScript = redis.NewScript(
	`if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0`,
)

// leaseReleaseScript deletes a lease only while the stored token still
// matches the caller's, so a slow caller can't release a lease it no
// longer owns.
var leaseReleaseScript = redis.NewScript(
	`if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0`,
)

// LeaseLock provides distributed mutual exclusion through the coordination
// store. A lease is held with a TTL so a crashed holder has a bounded blast
// radius: the store reclaims the key within one TTL of the last renewal.
type LeaseLock struct {
	pool          *Pool
	logger        *slog.Logger
	retryInterval time.Duration

	// renewCtx parents every renewal goroutine, so shutdown can stop
	// renewals for leases the application never released.
	renewCtx    context.Context
	renewCancel context.CancelFunc

	// mu orders lease creation against Stop: a lease is only registered
	// with the waitgroup while renewCtx is live.
	mu sync.Mutex
	wg sync.WaitGroup
}

func NewLeaseLock(
	pool *Pool,
	retryInterval time.Duration,
	logger *slog.Logger,
) *LeaseLock {
	if logger == nil {
		logger = slog.Default()
	}
	if retryInterval <= 0 {
		retryInterval = DefaultLockRetryInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LeaseLock{
		pool:          pool,
		logger:        logger.With(loggerNameKey, "lease_lock"),
		retryInterval: retryInterval,
		renewCtx:      ctx,
		renewCancel:   cancel,
	}
}

// Lease is a held lock on a named resource. It is owned by the goroutine
// that acquired it and must be released on every exit path.
type Lease struct {
	key   string
	token string
	ttl   time.Duration

	lock        *LeaseLock
	renewCancel context.CancelFunc
	renewDone   chan struct{}
	releaseOnce sync.Once
	releaseErr  error
}

// AcquireOption adjusts a single Acquire call.
type AcquireOption func(*acquireOptions)

type acquireOptions struct {
	blocking        bool
	blockingTimeout time.Duration
}

// WithNonBlocking makes Acquire fail immediately with ErrLockTimeout when
// the lease is held elsewhere, instead of retrying.
func WithNonBlocking() AcquireOption {
	return func(o *acquireOptions) {
		o.blocking = false
	}
}

// WithBlockingTimeout bounds how long a blocking Acquire retries before
// failing with ErrLockTimeout. Zero means retry until ctx is done.
func WithBlockingTimeout(d time.Duration) AcquireOption {
	return func(o *acquireOptions) {
		o.blockingTimeout = d
	}
}

func lockKey(key string) string {
	return lockKeyPrefix + key
}

// Acquire takes the lease for key, holding it for at most ttl unless
// renewed. While held, a background task extends the lease every
// ttl/leaseExtendDivisor so it survives long-running work; if the holder
// crashes, the store reclaims the key after ttl. The ttl must exceed the
// 100ms renewal floor, or the first extension would land after expiry.
//
// By default Acquire blocks, retrying at the lock's retry interval until
// the lease frees up, the blocking timeout elapses (ErrLockTimeout), or ctx
// is done. Acquiring through a stopped lock fails with ErrShuttingDown.
func (l *LeaseLock) Acquire(
	ctx context.Context,
	key string,
	ttl time.Duration,
	opts ...AcquireOption,
) (*Lease, error) {
	if ttl <= minLeaseExtendInterval {
		return nil, fmt.Errorf(
			"lease ttl must exceed %s, got %s",
			minLeaseExtendInterval,
			ttl,
		)
	}
	if l.renewCtx.Err() != nil {
		return nil, ErrShuttingDown
	}

	options := acquireOptions{blocking: true}
	for _, opt := range opts {
		opt(&options)
	}

	var deadline time.Time
	if options.blocking && options.blockingTimeout > 0 {
		deadline = time.Now().Add(options.blockingTimeout)
	}

	token := uuid.NewString()
	storeKey := lockKey(key)
	client := l.pool.Client()

	for {
		ok, err := client.SetNX(ctx, storeKey, token, ttl).Result()
		if err != nil {
			return nil, l.pool.WrapError(err)
		}
		if ok {
			l.mu.Lock()
			if l.renewCtx.Err() != nil {
				// Stop won the race: a lease handed out now would never
				// renew. Undo the write instead of orphaning it until TTL.
				l.mu.Unlock()
				_ = leaseReleaseScript.Run(
					ctx, client, []string{storeKey}, token,
				).Err()
				return nil, ErrShuttingDown
			}
			lease := l.newLease(key, token, ttl)
			l.mu.Unlock()
			return lease, nil
		}

		if !options.blocking {
			return nil, fmt.Errorf("%w: %q held elsewhere", ErrLockTimeout, key)
		}
		if !deadline.IsZero() && time.Now().Add(l.retryInterval).After(deadline) {
			return nil, fmt.Errorf(
				"%w: %q not acquired within %s",
				ErrLockTimeout,
				key,
				options.blockingTimeout,
			)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.renewCtx.Done():
			return nil, ErrShuttingDown
		case <-time.After(l.retryInterval):
		}
	}
}

// newLease starts the renewal task for a freshly acquired lease. Caller
// holds l.mu, so the waitgroup registration can't race Stop.
func (l *LeaseLock) newLease(key string, token string, ttl time.Duration) *Lease {
	renewCtx, renewCancel := context.WithCancel(l.renewCtx)
	lease := &Lease{
		key:         key,
		token:       token,
		ttl:         ttl,
		lock:        l,
		renewCancel: renewCancel,
		renewDone:   make(chan struct{}),
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer close(lease.renewDone)
		lease.renew(renewCtx)
	}()

	l.logger.Debug(
		"acquired lease",
		"key", key,
		"ttl", ttl,
	)
	return lease
}

// Key returns the lease's resource name.
func (le *Lease) Key() string {
	return le.key
}

// renew periodically extends the lease TTL until the renew context is
// canceled. Renewal failures are logged and never crash the holder: the
// lease expiring naturally is the safety net.
func (le *Lease) renew(ctx context.Context) {
	interval := le.ttl / leaseExtendDivisor
	if interval < minLeaseExtendInterval {
		interval = minLeaseExtendInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger := le.lock.logger.With("key", le.key)
	client := le.lock.pool.Client()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			extended, err := leaseExtendScript.Run(
				ctx,
				client,
				[]string{lockKey(le.key)},
				le.token,
				le.ttl.Milliseconds(),
			).Int64()
			switch {
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				logger.Warn("lease renewal failed", tint.Err(err))
			case extended == 0:
				// The lease expired and may belong to someone else now.
				// Nothing left to renew.
				logger.Warn("lease no longer held, stopping renewal")
				return
			}
		}
	}
}

// Release stops the renewal task, waits for it to finish, then deletes the
// lease if this holder still owns it. Releasing a lease that has moved on
// to another holder is a logged no-op. A second call is a no-op.
func (le *Lease) Release(ctx context.Context) error {
	le.releaseOnce.Do(
		func() {
			// Renewal must be fully stopped before the record is cleared,
			// or a late renewal could resurrect a released lock.
			le.renewCancel()
			<-le.renewDone

			deleted, err := leaseReleaseScript.Run(
				ctx,
				le.lock.pool.Client(),
				[]string{lockKey(le.key)},
				le.token,
			).Int64()
			if err != nil {
				le.releaseErr = le.lock.pool.WrapError(err)
				return
			}
			if deleted == 0 {
				le.lock.logger.WarnContext(
					ctx,
					"released lease was no longer held",
					"key", le.key,
				)
				return
			}
			le.lock.logger.Debug("released lease", "key", le.key)
		},
	)
	return le.releaseErr
}

// WithLock runs fn while holding the lease for key, releasing it on every
// exit path including panics. Acquisition failures are returned without
// running fn.
func (l *LeaseLock) WithLock(
	ctx context.Context,
	key string,
	ttl time.Duration,
	fn func(ctx context.Context) error,
	opts ...AcquireOption,
) error {
	lease, err := l.Acquire(ctx, key, ttl, opts...)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(
			context.WithoutCancel(ctx),
			5*time.Second,
		)
		defer cancel()
		if releaseErr := lease.Release(releaseCtx); releaseErr != nil {
			l.logger.Error(
				"error releasing lease",
				"key", key,
				tint.Err(releaseErr),
			)
		}
	}()
	return fn(ctx)
}

// Stop cancels every outstanding renewal task and waits for them to finish,
// bounded by ctx. Unreleased leases are left to expire via their TTLs.
func (l *LeaseLock) Stop(ctx context.Context) error {
	l.mu.Lock()
	l.renewCancel()
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
