package repositories

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/exportkit-io/exportkit/internal/db"
)

// gormUsageRepository is the GORM-backed implementation of UsageRepository.
type gormUsageRepository struct {
	database *gorm.DB
}

// NewUsageRepository creates a new UsageRepository backed by GORM.
func NewUsageRepository(database *gorm.DB) UsageRepository {
	return &gormUsageRepository{database: database}
}

// RecordForJob upserts on the JobID unique index, so a retried terminal-event
// delivery for the same job overwrites rather than double-counts usage.
func (r *gormUsageRepository) RecordForJob(ctx context.Context, rec *db.UsageRecord) error {
	return r.database.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"rows_exported", "bytes_exported", "month"}),
		}).
		Create(rec).Error
}

func (r *gormUsageRepository) SumByTenantAndMonth(ctx context.Context, tenantID uuid.UUID, month string) (int64, int64, error) {
	var row struct {
		Rows  int64
		Bytes int64
	}
	err := r.database.WithContext(ctx).Model(&db.UsageRecord{}).
		Select("COALESCE(SUM(rows_exported), 0) as rows, COALESCE(SUM(bytes_exported), 0) as bytes").
		Where("tenant_id = ? AND month = ?", tenantID, month).
		Scan(&row).Error
	if err != nil {
		return 0, 0, err
	}
	return row.Rows, row.Bytes, nil
}
