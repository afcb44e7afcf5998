package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/exportkit-io/exportkit/internal/db"
)

// gormCredentialRepository is the GORM-backed implementation of CredentialRepository.
type gormCredentialRepository struct {
	database *gorm.DB
}

// NewCredentialRepository creates a new CredentialRepository backed by GORM.
func NewCredentialRepository(database *gorm.DB) CredentialRepository {
	return &gormCredentialRepository{database: database}
}

func (r *gormCredentialRepository) Create(ctx context.Context, cred *db.Credential) error {
	if err := r.database.WithContext(ctx).Create(cred).Error; err != nil {
		if isUniqueConstraintErr(err) {
			return ErrConflict
		}
		return err
	}
	return nil
}

func (r *gormCredentialRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Credential, error) {
	var c db.Credential
	if err := r.database.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// ListByPrefix returns every non-revoked credential sharing prefix. The
// candidate set is expected to be tiny (prefix collisions are rare by
// construction) so the caller can afford to compare digests in a loop.
func (r *gormCredentialRepository) ListByPrefix(ctx context.Context, prefix string) ([]db.Credential, error) {
	var creds []db.Credential
	err := r.database.WithContext(ctx).
		Where("prefix = ? AND revoked_at IS NULL", prefix).
		Find(&creds).Error
	if err != nil {
		return nil, err
	}
	return creds, nil
}

func (r *gormCredentialRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	return r.database.WithContext(ctx).Model(&db.Credential{}).
		Where("id = ?", id).
		Update("revoked_at", now).Error
}

func (r *gormCredentialRepository) Update(ctx context.Context, cred *db.Credential) error {
	return r.database.WithContext(ctx).Model(&db.Credential{}).
		Where("id = ?", cred.ID).
		Update("name", cred.Name).Error
}

// TouchLastUsed is called from the fire-and-forget drain goroutine in
// internal/authgate, never inline in the request path.
func (r *gormCredentialRepository) TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.database.WithContext(ctx).Model(&db.Credential{}).
		Where("id = ?", id).
		Update("last_used_at", at).Error
}

// PurgeRevoked hard-deletes credentials revoked before cutoff that have no
// QUEUED or PROCESSING job still referencing them, so an export in flight
// never loses the credential it was admitted under.
func (r *gormCredentialRepository) PurgeRevoked(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.database.WithContext(ctx).Unscoped().
		Where("revoked_at IS NOT NULL AND revoked_at < ?", cutoff).
		Where("id NOT IN (?)", r.database.Model(&db.Job{}).
			Select("credential_id").
			Where("status IN ('QUEUED', 'PROCESSING')")).
		Delete(&db.Credential{})
	return result.RowsAffected, result.Error
}

func (r *gormCredentialRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID, opts ListOptions) ([]db.Credential, int64, error) {
	var creds []db.Credential
	var total int64

	q := r.database.WithContext(ctx).Model(&db.Credential{}).Where("tenant_id = ?", tenantID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := q.Order("created_at desc").Limit(opts.Limit).Offset(opts.Offset).Find(&creds).Error; err != nil {
		return nil, 0, err
	}
	return creds, total, nil
}
