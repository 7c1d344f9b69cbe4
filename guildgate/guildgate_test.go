package guildgate

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCoordinatorConfig(t *testing.T, mr *miniredis.Miniredis) *Config {
	t.Helper()
	config := DefaultConfig()
	config.Redis = testRedisConfig(mr.Addr())
	config.Lock.RetryInterval = 10 * time.Millisecond
	config.Dispatch.Interval = time.Millisecond
	config.Dispatch.IdleTimeout = time.Minute
	config.Audit.Database = filepath.Join(t.TempDir(), "audit.sqlite3")
	config.StartupTimeout = 10 * time.Second
	config.ShutdownTimeout = 10 * time.Second
	return config
}

// runCoordinator starts c.Run in the background and waits for the
// store-backed components to come up.
func runCoordinator(t *testing.T, c *Coordinator) chan error {
	t.Helper()
	runDone := make(chan error, 1)
	go func() {
		runDone <- c.Run(context.Background())
	}()
	select {
	case <-c.Ready():
	case err := <-runDone:
		t.Fatalf("coordinator exited before becoming ready: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("coordinator did not finish starting")
	}
	return runDone
}

func TestCoordinatorLifecycle(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)

	var delivered atomic.Int32
	deliverer := DelivererFunc(
		func(context.Context, DispatchJob) error {
			delivered.Add(1)
			return nil
		},
	)

	c, err := New(
		testCoordinatorConfig(t, mr),
		WithDeliverer(deliverer),
		WithBaseLogger(testLogger()),
	)
	require.NoError(t, err)
	runDone := runCoordinator(t, c)

	ctx := context.Background()

	// every component is reachable through the coordinator
	require.NotNil(t, c.Pool())
	require.NotNil(t, c.RateLimiter())
	require.NotNil(t, c.Locks())
	require.NotNil(t, c.Cache())
	require.NotNil(t, c.Windows())
	assert.Nil(t, c.Audit(), "audit disabled by default")

	allowed, err := c.RateLimiter().Allow(ctx, "cmd:ping", 5, time.Minute, 1)
	require.NoError(t, err)
	assert.True(t, allowed)

	lease, err := c.Locks().Acquire(ctx, "guild-1:init", time.Minute)
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))

	c.Dispatch().Enqueue("guild-1", DispatchJob{Destination: "chan", Payload: "hi"})
	require.Eventually(
		t, func() bool {
			return delivered.Load() == 1
		},
		5*time.Second,
		5*time.Millisecond,
	)

	c.Stop()
	select {
	case err = <-runDone:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("coordinator did not shut down")
	}

	// shutdown is observable: the pool is closed
	assert.Error(t, c.Pool().Client().Ping(ctx).Err())
}

func TestCoordinatorAuditEnabled(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)

	config := testCoordinatorConfig(t, mr)
	config.Audit.Enabled = true

	c, err := New(
		config,
		WithDeliverer(DelivererFunc(
			func(context.Context, DispatchJob) error { return nil },
		)),
		WithBaseLogger(testLogger()),
	)
	require.NoError(t, err)
	runDone := runCoordinator(t, c)

	require.NotNil(t, c.Audit())

	c.Dispatch().Enqueue("guild-2", DispatchJob{Destination: "chan", Payload: "x"})
	require.Eventually(
		t, func() bool {
			records, rerr := c.Audit().TenantRecords(
				context.Background(), "guild-2", 10,
			)
			return rerr == nil && len(records) == 1
		},
		5*time.Second,
		10*time.Millisecond,
	)

	c.Stop()
	require.NoError(t, <-runDone)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// TestCoordinatorLoggerPropagation verifies an injected base logger carries
// through to the subsystems, so embedders can redirect or silence all of
// the coordinator's output.
func TestCoordinatorLoggerPropagation(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)

	out := &syncBuffer{}
	logger := slog.New(
		slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)

	c, err := New(
		testCoordinatorConfig(t, mr),
		WithDeliverer(DelivererFunc(
			func(context.Context, DispatchJob) error { return nil },
		)),
		WithBaseLogger(logger),
	)
	require.NoError(t, err)
	runDone := runCoordinator(t, c)

	c.Dispatch().Enqueue("guild-log", DispatchJob{Destination: "chan", Payload: "x"})
	require.Eventually(
		t, func() bool {
			return strings.Contains(out.String(), "delivered job")
		},
		5*time.Second,
		10*time.Millisecond,
		"dispatch logs should reach the injected logger",
	)
	assert.Contains(t, out.String(), "logger=dispatch")

	c.Stop()
	require.NoError(t, <-runDone)
}

func TestCoordinatorRunTwice(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)

	c, err := New(
		testCoordinatorConfig(t, mr),
		WithDeliverer(DelivererFunc(
			func(context.Context, DispatchJob) error { return nil },
		)),
		WithBaseLogger(testLogger()),
	)
	require.NoError(t, err)
	runDone := runCoordinator(t, c)

	assert.Error(t, c.Run(context.Background()), "second Run must refuse")

	c.Stop()
	require.NoError(t, <-runDone)
}

func TestCoordinatorNoDeliverer(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)

	// no deliverer option and no discord token: startup must fail
	c, err := New(testCoordinatorConfig(t, mr), WithBaseLogger(testLogger()))
	require.NoError(t, err)

	err = c.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoDeliverer)
}

func TestCoordinatorStoreUnavailable(t *testing.T) {
	t.Parallel()

	config := DefaultConfig()
	config.Redis = testRedisConfig("127.0.0.1:1")
	config.Redis.ConnectTimeout = 100 * time.Millisecond
	config.StartupTimeout = 10 * time.Second

	c, err := New(
		config,
		WithDeliverer(DelivererFunc(
			func(context.Context, DispatchJob) error { return nil },
		)),
		WithBaseLogger(testLogger()),
	)
	require.NoError(t, err)

	err = c.Run(context.Background())
	assert.ErrorIs(t, err, ErrConnectionExhausted)
}

func TestNewInvalidConfig(t *testing.T) {
	t.Parallel()

	config := DefaultConfig()
	config.Redis.Addr = ""
	_, err := New(config)
	assert.Error(t, err)

	config = DefaultConfig()
	config.Lock.TTL = 0
	_, err = New(config)
	assert.Error(t, err)
}

func TestNewNilConfigUsesDefaults(t *testing.T) {
	t.Parallel()

	c, err := New(nil, WithBaseLogger(testLogger()))
	require.NoError(t, err)
	assert.Equal(t, DefaultRedisAddr, c.config.Redis.Addr)
	require.NotNil(t, c.Cache())
	require.NotNil(t, c.Windows())
}
