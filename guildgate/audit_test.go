package guildgate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAudit(t *testing.T) *DeliveryAudit {
	t.Helper()
	audit, err := NewDeliveryAudit(
		AuditConfig{
			Enabled:       true,
			Database:      filepath.Join(t.TempDir(), "audit.sqlite3"),
			SlowThreshold: 200 * time.Millisecond,
		},
		slog.NewTextHandler(io.Discard, nil),
	)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			_ = audit.Close()
		},
	)
	return audit
}

func TestAuditRecord(t *testing.T) {
	t.Parallel()
	audit := testAudit(t)
	ctx := context.Background()

	enqueued := time.Now().Add(-time.Second)
	audit.Record(
		ctx,
		DispatchJob{
			TenantID:    "guild-1",
			Destination: "channel-1",
			Payload:     "hello",
			EnqueuedAt:  enqueued,
		},
		nil,
	)
	audit.Record(
		ctx,
		DispatchJob{
			TenantID:    "guild-1",
			Destination: "channel-2",
			EnqueuedAt:  time.Now(),
		},
		errors.New("channel gone"),
	)

	records, err := audit.TenantRecords(ctx, "guild-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// newest first
	failed := records[0]
	assert.Equal(t, DeliveryOutcomeFailed, failed.Outcome)
	assert.Equal(t, "channel-2", failed.Destination)
	assert.Equal(t, "channel gone", failed.Error)

	delivered := records[1]
	assert.Equal(t, DeliveryOutcomeDelivered, delivered.Outcome)
	assert.Equal(t, "channel-1", delivered.Destination)
	assert.Empty(t, delivered.Error)
	assert.Equal(t, enqueued.UnixMilli(), delivered.EnqueuedAt)
}

func TestAuditTenantIsolation(t *testing.T) {
	t.Parallel()
	audit := testAudit(t)
	ctx := context.Background()

	audit.Record(ctx, DispatchJob{TenantID: "guild-a", EnqueuedAt: time.Now()}, nil)
	audit.Record(ctx, DispatchJob{TenantID: "guild-b", EnqueuedAt: time.Now()}, nil)

	records, err := audit.TenantRecords(ctx, "guild-a", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "guild-a", records[0].TenantID)
}

func TestAuditLimit(t *testing.T) {
	t.Parallel()
	audit := testAudit(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		audit.Record(ctx, DispatchJob{TenantID: "guild-c", EnqueuedAt: time.Now()}, nil)
	}

	records, err := audit.TenantRecords(ctx, "guild-c", 3)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}
