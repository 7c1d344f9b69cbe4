//nolint:lll // struct tags can't be split
package guildgate

import (
	"fmt"
	"log/slog"
	"time"
)

const (
	EnvvarSetEnvPrefix = "GUILDGATE_ENV_PREFIX"
	DefaultEnvPrefix   = "GG"

	DefaultLogLevel         = slog.LevelInfo
	DefaultDatabaseLogLevel = slog.LevelWarn
	DefaultDispatchLogLevel = slog.LevelInfo

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultRedisAddr          = "127.0.0.1:6379"
	DefaultMaxConnections     = 10
	DefaultConnectTimeout     = 5 * time.Second
	DefaultRetryBaseDelay     = 250 * time.Millisecond
	DefaultRetryMaxAttempts   = 5
	DefaultHealthProbeCount   = 3
	DefaultLeaseTTL           = 30 * time.Second
	DefaultLockRetryInterval  = 100 * time.Millisecond
	DefaultDispatchInterval   = time.Second
	DefaultDispatchIdle       = 2 * time.Minute
	DefaultDeliveryRate       = 1.0
	DefaultDeliveryBurst      = 1
	DefaultAuditDatabase      = "guildgate.sqlite3"
	DefaultAuditSlowThreshold = 200 * time.Millisecond
)

// Config configures a Coordinator and everything it owns. Construct with
// DefaultConfig and override as needed.
type Config struct {
	// Redis configures the coordination store connection pool
	Redis RedisConfig `yaml:"redis" mapstructure:"redis" json:"redis"`

	// Lock configures lease acquisition behavior
	Lock LockConfig `yaml:"lock" mapstructure:"lock" json:"lock"`

	// Dispatch configures the per-tenant outbound message queues
	Dispatch DispatchConfig `yaml:"dispatch" mapstructure:"dispatch" json:"dispatch"`

	// Discord configures the default outbound deliverer. Optional: callers
	// can supply their own Deliverer instead.
	Discord DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Audit configures the delivery audit trail
	Audit AuditConfig `yaml:"audit" mapstructure:"audit" json:"audit"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// DatabaseLogLevel sets the log level for audit database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DispatchLogLevel sets the log level for the dispatch queues
	DispatchLogLevel *slog.LevelVar `yaml:"dispatch_log_level" mapstructure:"dispatch_log_level" json:"dispatch_log_level"`

	// StartupTimeout limits how long the coordinator has to connect to the
	// store and stand up its components. If this passes, Run aborts.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After
	// this elapses, remaining connections are force-closed.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
}

// RedisConfig configures the coordination store connection pool.
type RedisConfig struct {
	// Address of the coordination store (host:port)
	Addr string `yaml:"addr" mapstructure:"addr" json:"addr"`

	Password string `yaml:"password" mapstructure:"password" json:"password" log:"[redacted]"`

	DB int `yaml:"db" mapstructure:"db" json:"db"`

	// MaxConnections bounds the connection pool size
	MaxConnections int `yaml:"max_connections" mapstructure:"max_connections" json:"max_connections"`

	// ConnectTimeout applies to dialing and to waiting for a free pooled
	// connection
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout" json:"connect_timeout"`

	// Retry governs reconnection attempts at startup
	Retry RetryPolicy `yaml:"retry" mapstructure:"retry" json:"retry"`

	// HealthProbes is the number of round-trip probes issued on connect,
	// for operational visibility only. 0 disables probing.
	HealthProbes int `yaml:"health_probes" mapstructure:"health_probes" json:"health_probes"`
}

// RetryPolicy describes bounded, jittered retry. Each attempt's delay is
// drawn as base/2 + uniform(0, base/2), with base doubling per attempt.
type RetryPolicy struct {
	BaseDelay   time.Duration `yaml:"base_delay" mapstructure:"base_delay" json:"base_delay"`
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts" json:"max_attempts"`
}

// LockConfig configures lease acquisition.
type LockConfig struct {
	// TTL is the default lease duration when the caller doesn't specify one
	TTL time.Duration `yaml:"ttl" mapstructure:"ttl" json:"ttl"`

	// RetryInterval is the sleep between acquisition attempts when blocking
	RetryInterval time.Duration `yaml:"retry_interval" mapstructure:"retry_interval" json:"retry_interval"`
}

// DispatchConfig configures the per-tenant outbound queues.
type DispatchConfig struct {
	// Interval is the minimum spacing between deliveries for a single tenant
	Interval time.Duration `yaml:"interval" mapstructure:"interval" json:"interval"`

	// IdleTimeout is how long a tenant's drain goroutine lingers with an
	// empty queue before exiting
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// DiscordConfig configures the built-in Discord deliverer.
type DiscordConfig struct {
	// Discord bot token. Leave empty when supplying a custom Deliverer.
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	// DeliveryRate is the outbound messages-per-second ceiling, applied
	// process-wide in front of the Discord API
	DeliveryRate float64 `yaml:"delivery_rate" mapstructure:"delivery_rate" json:"delivery_rate"`

	// DeliveryBurst is the burst size for the outbound limiter
	DeliveryBurst int `yaml:"delivery_burst" mapstructure:"delivery_burst" json:"delivery_burst"`
}

// AuditConfig configures the delivery audit trail.
type AuditConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// Database is the sqlite connection string for audit records
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// SlowThreshold is the duration threshold for flagging slow audit queries
	SlowThreshold time.Duration `yaml:"slow_threshold" mapstructure:"slow_threshold" json:"slow_threshold"`
}

// Validate checks the config for values that can't work at runtime.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}
	if c.Redis.MaxConnections <= 0 {
		return fmt.Errorf("redis max_connections must be > 0")
	}
	if c.Redis.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("redis retry max_attempts must be > 0")
	}
	if c.Redis.Retry.BaseDelay < 0 {
		return fmt.Errorf("redis retry base_delay must be >= 0")
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("lock ttl must be > 0")
	}
	if c.Lock.RetryInterval <= 0 {
		return fmt.Errorf("lock retry_interval must be > 0")
	}
	if c.Dispatch.Interval < 0 {
		return fmt.Errorf("dispatch interval must be >= 0")
	}
	if c.Dispatch.IdleTimeout <= 0 {
		return fmt.Errorf("dispatch idle_timeout must be > 0")
	}
	if c.Audit.Enabled && c.Audit.Database == "" {
		return fmt.Errorf("audit database is required when audit is enabled")
	}
	return nil
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	dispatchLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	dispatchLogLevel.Set(DefaultDispatchLogLevel)

	return &Config{
		Redis: RedisConfig{
			Addr:           DefaultRedisAddr,
			MaxConnections: DefaultMaxConnections,
			ConnectTimeout: DefaultConnectTimeout,
			Retry: RetryPolicy{
				BaseDelay:   DefaultRetryBaseDelay,
				MaxAttempts: DefaultRetryMaxAttempts,
			},
			HealthProbes: DefaultHealthProbeCount,
		},
		Lock: LockConfig{
			TTL:           DefaultLeaseTTL,
			RetryInterval: DefaultLockRetryInterval,
		},
		Dispatch: DispatchConfig{
			Interval:    DefaultDispatchInterval,
			IdleTimeout: DefaultDispatchIdle,
		},
		Discord: DiscordConfig{
			DeliveryRate:  DefaultDeliveryRate,
			DeliveryBurst: DefaultDeliveryBurst,
		},
		Audit: AuditConfig{
			Enabled:       false,
			Database:      DefaultAuditDatabase,
			SlowThreshold: DefaultAuditSlowThreshold,
		},
		LogLevel:         mainLogLevel,
		DatabaseLogLevel: dbLogLevel,
		DispatchLogLevel: dispatchLogLevel,
		StartupTimeout:   DefaultStartupTimeout,
		ShutdownTimeout:  DefaultShutdownTimeout,
	}
}
