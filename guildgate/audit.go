package guildgate

import (
	"context"
	"log/slog"

	"github.com/lmittmann/tint"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// DeliveryOutcome records how a dispatch job ended.
type DeliveryOutcome string

const (
	DeliveryOutcomeDelivered DeliveryOutcome = "delivered"
	DeliveryOutcomeFailed    DeliveryOutcome = "failed"
)

// DeliveryRecord is one row of the delivery audit trail.
//
//nolint:lll // struct tags can't be split
type DeliveryRecord struct {
	ID        uint  `gorm:"primaryKey" json:"id"`
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`

	TenantID    string          `gorm:"index" json:"tenant_id"`
	Destination string          `json:"destination"`
	Outcome     DeliveryOutcome `gorm:"type:string" json:"outcome"`

	// Error holds the delivery error text for failed outcomes
	Error string `json:"error,omitempty"`

	// EnqueuedAt is when the job entered its tenant queue, in Unix millis
	EnqueuedAt int64 `json:"enqueued_at"`
}

// DeliveryAudit persists dispatch outcomes for operational forensics.
// Writes are best-effort: an audit failure is logged and never surfaces to
// the drain loops.
type DeliveryAudit struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewDeliveryAudit opens (and migrates) the audit database.
func NewDeliveryAudit(
	cfg AuditConfig,
	handler slog.Handler,
) (*DeliveryAudit, error) {
	logger := slog.New(handler).With(loggerNameKey, "delivery_audit")

	db, err := gorm.Open(
		sqlite.Open(cfg.Database),
		&gorm.Config{
			Logger: newGORMLogger(handler, cfg.SlowThreshold),
		},
	)
	if err != nil {
		return nil, err
	}
	if err = db.AutoMigrate(&DeliveryRecord{}); err != nil {
		return nil, err
	}
	return &DeliveryAudit{db: db, logger: logger}, nil
}

// Record writes one audit row for a delivery attempt.
func (a *DeliveryAudit) Record(
	ctx context.Context,
	job DispatchJob,
	deliverErr error,
) {
	record := DeliveryRecord{
		TenantID:    job.TenantID,
		Destination: job.Destination,
		Outcome:     DeliveryOutcomeDelivered,
		EnqueuedAt:  job.EnqueuedAt.UnixMilli(),
	}
	if deliverErr != nil {
		record.Outcome = DeliveryOutcomeFailed
		record.Error = deliverErr.Error()
	}
	if err := a.db.WithContext(ctx).Create(&record).Error; err != nil {
		a.logger.ErrorContext(ctx, "failed to write audit record", tint.Err(err))
	}
}

// TenantRecords returns the most recent audit rows for a tenant, newest
// first.
func (a *DeliveryAudit) TenantRecords(
	ctx context.Context,
	tenantID string,
	limit int,
) ([]DeliveryRecord, error) {
	var records []DeliveryRecord
	err := a.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at desc").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// Close releases the underlying database connection.
func (a *DeliveryAudit) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
