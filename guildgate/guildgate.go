package guildgate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/lmittmann/tint"
)

var (
	// Version is the release version, set at build time
	Version = "dev"

	// CommitSHA is the git commit the binary was built from
	CommitSHA = ""

	// BuildTime is when the binary was built
	BuildTime = ""
)

// Coordinator is the coordination context for one shard process: it owns
// the store pool, the rate limiter, the lease locks, the process-local
// cache, the dispatch queues and the abuse counters, and gives them a
// single init/shutdown lifecycle. Business-logic handlers receive a
// Coordinator rather than reaching for package-level state.
type Coordinator struct {
	config *Config
	logger *slog.Logger

	// customLogger records that the base logger was injected, so subsystem
	// loggers derive from it instead of standing up their own handlers
	customLogger bool

	deliverer Deliverer

	pool        *Pool
	rateLimiter *AtomicRateLimiter
	locks       *LeaseLock
	cache       *ProcessLocalCache
	dispatch    *TenantDispatchQueue
	windows     *SlidingWindowCounter
	audit       *DeliveryAudit

	runMu         sync.Mutex
	running       bool
	shutdownOnce  sync.Once
	shutdownErr   error
	eventShutdown chan struct{}

	// signalReady closes once init completes and every component is usable
	signalReady chan struct{}
}

// CoordinatorOption adjusts a Coordinator at construction.
type CoordinatorOption func(*Coordinator)

// WithDeliverer overrides the outbound deliverer. Without this option, Run
// builds a DiscordDeliverer from the Discord config.
func WithDeliverer(d Deliverer) CoordinatorOption {
	return func(c *Coordinator) {
		c.deliverer = d
	}
}

// WithBaseLogger overrides the coordinator's base logger.
func WithBaseLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// New creates a Coordinator from the given config. The in-memory components
// (cache, abuse counters) are usable immediately; everything backed by the
// coordination store comes up in Run.
func New(config *Config, opts ...CoordinatorOption) (*Coordinator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	c := &Coordinator{
		config:        config,
		cache:         NewProcessLocalCache(),
		windows:       NewSlidingWindowCounter(),
		eventShutdown: make(chan struct{}, 1),
		signalReady:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.customLogger = c.logger != nil
	if c.logger == nil {
		c.logger = newLogger(config.LogLevel)
	}
	return c, nil
}

// Run connects to the coordination store, stands up the dispatch queues and
// audit trail, then blocks until ctx is done or Stop is called. It returns
// after a graceful shutdown, or with the startup error if initialization
// fails within the startup timeout.
func (c *Coordinator) Run(ctx context.Context) error {
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return errors.New("coordinator already running")
	}
	c.running = true
	c.runMu.Unlock()

	startCtx, startCancel := context.WithTimeout(ctx, c.config.StartupTimeout)
	defer startCancel()

	if err := c.init(startCtx); err != nil {
		_ = c.shutdown()
		return err
	}

	c.logger.Info(
		"guildgate running",
		"version", Version,
		"redis_addr", c.config.Redis.Addr,
	)
	close(c.signalReady)

	select {
	case <-ctx.Done():
		c.logger.Warn("context canceled, shutting down")
	case <-c.eventShutdown:
		c.logger.Warn("received shutdown signal")
	}
	return c.shutdown()
}

func (c *Coordinator) init(ctx context.Context) error {
	pool, err := Connect(ctx, c.config.Redis, c.logger)
	if err != nil {
		return fmt.Errorf("error connecting to coordination store: %w", err)
	}
	c.pool = pool
	c.rateLimiter = NewAtomicRateLimiter(pool, c.logger)
	c.locks = NewLeaseLock(pool, c.config.Lock.RetryInterval, c.logger)

	deliverer := c.deliverer
	if deliverer == nil {
		if c.config.Discord.Token == "" {
			return ErrNoDeliverer
		}
		discordDeliverer, derr := NewDiscordDeliverer(c.config.Discord, c.logger)
		if derr != nil {
			return derr
		}
		deliverer = discordDeliverer
		c.deliverer = deliverer
	}

	// Subsystems get their own handlers at their own levels, unless the
	// embedder injected a logger: then everything flows through it.
	dispatchLogger := c.logger
	if !c.customLogger {
		dispatchLogger = slog.New(
			tint.NewHandler(
				os.Stdout,
				&tint.Options{Level: c.config.DispatchLogLevel},
			),
		)
	}
	c.dispatch = NewTenantDispatchQueue(
		c.config.Dispatch,
		deliverer,
		dispatchLogger,
	)

	if c.config.Audit.Enabled {
		auditHandler := c.logger.Handler()
		if !c.customLogger {
			auditHandler = tint.NewHandler(
				os.Stdout,
				&tint.Options{Level: c.config.DatabaseLogLevel},
			)
		}
		audit, aerr := NewDeliveryAudit(c.config.Audit, auditHandler)
		if aerr != nil {
			return fmt.Errorf("error opening delivery audit: %w", aerr)
		}
		c.audit = audit
		c.dispatch.SetAudit(audit)
	}
	return nil
}

// Stop triggers a graceful shutdown of a running coordinator. It does not
// wait; Run returns once shutdown completes.
func (c *Coordinator) Stop() {
	select {
	case c.eventShutdown <- struct{}{}:
	default:
	}
}

// shutdown tears everything down in dependency order: background work is
// canceled and awaited before the pool closes underneath it. A second call
// is a no-op.
func (c *Coordinator) shutdown() error {
	c.shutdownOnce.Do(
		func() {
			shutdownCtx, cancel := context.WithTimeout(
				context.Background(),
				c.config.ShutdownTimeout,
			)
			defer cancel()

			c.logger.Info(
				"shutting down",
				"shutdown_timeout", c.config.ShutdownTimeout,
			)

			var errs []error
			if c.dispatch != nil {
				if err := c.dispatch.Stop(shutdownCtx); err != nil {
					c.logger.Error("dispatch shutdown error", tint.Err(err))
					errs = append(errs, err)
				}
			}
			if c.locks != nil {
				if err := c.locks.Stop(shutdownCtx); err != nil {
					c.logger.Error("lease lock shutdown error", tint.Err(err))
					errs = append(errs, err)
				}
			}
			c.cache.Stop()

			if c.audit != nil {
				if err := c.audit.Close(); err != nil {
					c.logger.Error("audit close error", tint.Err(err))
					errs = append(errs, err)
				}
			}
			if closer, ok := c.deliverer.(io.Closer); ok {
				if err := closer.Close(); err != nil {
					c.logger.Error("deliverer close error", tint.Err(err))
				}
			}
			if c.pool != nil {
				if err := c.pool.Close(); err != nil {
					c.logger.Error("pool close error", tint.Err(err))
					errs = append(errs, err)
				}
			}
			c.shutdownErr = errors.Join(errs...)
			c.logger.Info("shutdown complete")
		},
	)
	return c.shutdownErr
}

// Ready returns a channel that closes once Run has finished initializing
// every component.
func (c *Coordinator) Ready() <-chan struct{} { return c.signalReady }

// Pool returns the coordination store pool. Nil before Run.
func (c *Coordinator) Pool() *Pool { return c.pool }

// RateLimiter returns the shared rate limiter. Nil before Run.
func (c *Coordinator) RateLimiter() *AtomicRateLimiter { return c.rateLimiter }

// Locks returns the lease lock manager. Nil before Run.
func (c *Coordinator) Locks() *LeaseLock { return c.locks }

// Cache returns the process-local cache.
func (c *Coordinator) Cache() *ProcessLocalCache { return c.cache }

// Dispatch returns the tenant dispatch queue. Nil before Run.
func (c *Coordinator) Dispatch() *TenantDispatchQueue { return c.dispatch }

// Windows returns the sliding-window abuse counters.
func (c *Coordinator) Windows() *SlidingWindowCounter { return c.windows }

// Audit returns the delivery audit trail, or nil when disabled.
func (c *Coordinator) Audit() *DeliveryAudit { return c.audit }

// Logger returns the coordinator's base logger.
func (c *Coordinator) Logger() *slog.Logger { return c.logger }
