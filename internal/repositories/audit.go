package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/exportkit-io/exportkit/internal/db"
)

// gormAuditRepository is the GORM-backed implementation of AuditRepository.
type gormAuditRepository struct {
	database *gorm.DB
}

// NewAuditRepository creates a new AuditRepository backed by GORM.
func NewAuditRepository(database *gorm.DB) AuditRepository {
	return &gormAuditRepository{database: database}
}

func (r *gormAuditRepository) Record(ctx context.Context, entry *db.AuditEntry) error {
	return r.database.WithContext(ctx).Create(entry).Error
}

func (r *gormAuditRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID, opts ListOptions) ([]db.AuditEntry, int64, error) {
	var entries []db.AuditEntry
	var total int64

	q := r.database.WithContext(ctx).Model(&db.AuditEntry{}).Where("tenant_id = ?", tenantID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := q.Order("id desc").Limit(opts.Limit).Offset(opts.Offset).Find(&entries).Error; err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// AnonymizeForTenant blanks the actor/metadata/IP columns for every audit
// entry belonging to tenantID, preserving Action/TargetType so historical
// compliance reporting ("how many export jobs ran in March") remains
// accurate after a data-erasure request.
func (r *gormAuditRepository) AnonymizeForTenant(ctx context.Context, tenantID uuid.UUID) error {
	return r.database.WithContext(ctx).Model(&db.AuditEntry{}).
		Where("tenant_id = ?", tenantID).
		Updates(map[string]any{
			"actor_id":   "erased",
			"metadata":   "{}",
			"ip_address": "",
		}).Error
}

// PurgeOlderThan hard-deletes audit entries older than cutoff. Called once a
// day by the retention engine with a cutoff far beyond any tenant's
// retention window, never by a request-path handler.
func (r *gormAuditRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tx := r.database.WithContext(ctx).Unscoped().
		Where("created_at < ?", cutoff).
		Delete(&db.AuditEntry{})
	return tx.RowsAffected, tx.Error
}
