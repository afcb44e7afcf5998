package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/exportkit-io/exportkit/internal/db"
)

// gormDashboardUserRepository is the GORM implementation of DashboardUserRepository.
type gormDashboardUserRepository struct {
	db *gorm.DB
}

// NewDashboardUserRepository returns a DashboardUserRepository backed by the provided *gorm.DB.
func NewDashboardUserRepository(db *gorm.DB) DashboardUserRepository {
	return &gormDashboardUserRepository{db: db}
}

// Create inserts a new dashboard user record into the database.
func (r *gormDashboardUserRepository) Create(ctx context.Context, user *db.DashboardUser) error {
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("dashboard_users: create: %w", err)
	}
	return nil
}

// GetByID retrieves a dashboard user by its UUID. Returns ErrNotFound if no record exists.
func (r *gormDashboardUserRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.DashboardUser, error) {
	var user db.DashboardUser
	err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("dashboard_users: get by id: %w", err)
	}
	return &user, nil
}

// GetByEmail retrieves a dashboard user by email address. Returns ErrNotFound if no record exists.
func (r *gormDashboardUserRepository) GetByEmail(ctx context.Context, email string) (*db.DashboardUser, error) {
	var user db.DashboardUser
	err := r.db.WithContext(ctx).First(&user, "email = ?", email).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("dashboard_users: get by email: %w", err)
	}
	return &user, nil
}

// GetByOIDC retrieves a dashboard user by OIDC provider ID and subject claim.
// Returns ErrNotFound if no record exists.
func (r *gormDashboardUserRepository) GetByOIDC(ctx context.Context, provider, sub string) (*db.DashboardUser, error) {
	var user db.DashboardUser
	err := r.db.WithContext(ctx).
		First(&user, "oidc_provider = ? AND oidc_sub = ?", provider, sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("dashboard_users: get by oidc: %w", err)
	}
	return &user, nil
}

// Update persists changes to an existing dashboard user record.
func (r *gormDashboardUserRepository) Update(ctx context.Context, user *db.DashboardUser) error {
	result := r.db.WithContext(ctx).Save(user)
	if result.Error != nil {
		return fmt.Errorf("dashboard_users: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete permanently removes a dashboard user record by ID.
func (r *gormDashboardUserRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.DashboardUser{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("dashboard_users: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeAnonymized hard-deletes users whose PII was scrubbed before cutoff.
func (r *gormDashboardUserRepository) PurgeAnonymized(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("anonymized_at IS NOT NULL AND anonymized_at < ?", cutoff).
		Delete(&db.DashboardUser{})
	if result.Error != nil {
		return 0, fmt.Errorf("dashboard_users: purge anonymized: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// List returns a paginated list of dashboard users and the total count.
func (r *gormDashboardUserRepository) List(ctx context.Context, opts ListOptions) ([]db.DashboardUser, int64, error) {
	var users []db.DashboardUser
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.DashboardUser{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("dashboard_users: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&users).Error; err != nil {
		return nil, 0, fmt.Errorf("dashboard_users: list: %w", err)
	}

	return users, total, nil
}
