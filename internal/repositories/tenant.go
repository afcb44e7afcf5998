package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/exportkit-io/exportkit/internal/db"
)

// gormTenantRepository is the GORM-backed implementation of TenantRepository.
type gormTenantRepository struct {
	database *gorm.DB
}

// NewTenantRepository creates a new TenantRepository backed by GORM.
func NewTenantRepository(database *gorm.DB) TenantRepository {
	return &gormTenantRepository{database: database}
}

func (r *gormTenantRepository) Create(ctx context.Context, tenant *db.Tenant) error {
	if err := r.database.WithContext(ctx).Create(tenant).Error; err != nil {
		if isUniqueConstraintErr(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (r *gormTenantRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Tenant, error) {
	var t db.Tenant
	if err := r.database.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *gormTenantRepository) GetBySlug(ctx context.Context, slug string) (*db.Tenant, error) {
	var t db.Tenant
	if err := r.database.WithContext(ctx).First(&t, "slug = ?", slug).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *gormTenantRepository) Update(ctx context.Context, tenant *db.Tenant) error {
	return r.database.WithContext(ctx).Save(tenant).Error
}

func (r *gormTenantRepository) List(ctx context.Context, opts ListOptions) ([]db.Tenant, int64, error) {
	var tenants []db.Tenant
	var total int64

	q := r.database.WithContext(ctx).Model(&db.Tenant{})
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if err := q.Order("created_at desc").Limit(opts.Limit).Offset(opts.Offset).Find(&tenants).Error; err != nil {
		return nil, 0, err
	}
	return tenants, total, nil
}

// RecordWebhookSuccess resets the consecutive-failure counter and stamps the
// last-success time — the two fields that make up half of the circuit
// predicate. It never touches any other tenant column, so a concurrent
// branding or retention update on the same row is not lost.
func (r *gormTenantRepository) RecordWebhookSuccess(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.database.WithContext(ctx).Model(&db.Tenant{}).Where("id = ?", id).
		Updates(map[string]any{
			"consecutive_webhook_failures": 0,
			"last_webhook_success_at":      at,
		}).Error
}

// RecordWebhookFailure increments the consecutive-failure counter and stamps
// the last-failure time.
func (r *gormTenantRepository) RecordWebhookFailure(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.database.WithContext(ctx).Model(&db.Tenant{}).Where("id = ?", id).
		Updates(map[string]any{
			"consecutive_webhook_failures": gorm.Expr("consecutive_webhook_failures + 1"),
			"last_webhook_failure_at":      at,
		}).Error
}
