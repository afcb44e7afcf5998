package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/exportkit-io/exportkit/internal/db"
)

// gormRefreshTokenRepository is the GORM implementation of RefreshTokenRepository.
type gormRefreshTokenRepository struct {
	db *gorm.DB
}

// NewRefreshTokenRepository returns a RefreshTokenRepository backed by the provided *gorm.DB.
func NewRefreshTokenRepository(db *gorm.DB) RefreshTokenRepository {
	return &gormRefreshTokenRepository{db: db}
}

// Create inserts a new refresh token record.
func (r *gormRefreshTokenRepository) Create(ctx context.Context, token *db.RefreshToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("refresh_tokens: create: %w", err)
	}
	return nil
}

// GetByHash retrieves a refresh token by its SHA-256 hash.
// Returns ErrNotFound if no record exists.
func (r *gormRefreshTokenRepository) GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error) {
	var token db.RefreshToken
	err := r.db.WithContext(ctx).First(&token, "token_hash = ?", hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("refresh_tokens: get by hash: %w", err)
	}
	return &token, nil
}

// Revoke sets the RevokedAt timestamp on a refresh token, invalidating it.
// Returns ErrNotFound if no record exists.
func (r *gormRefreshTokenRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&db.RefreshToken{}).
		Where("id = ?", id).
		Update("revoked_at", gorm.Expr("CURRENT_TIMESTAMP"))
	if result.Error != nil {
		return fmt.Errorf("refresh_tokens: revoke: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeAllForUser revokes all active refresh tokens for a given user.
// Used on logout, password change, or security events.
func (r *gormRefreshTokenRepository) RevokeAllForUser(ctx context.Context, userID uuid.UUID) error {
	err := r.db.WithContext(ctx).
		Model(&db.RefreshToken{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Update("revoked_at", gorm.Expr("CURRENT_TIMESTAMP")).Error
	if err != nil {
		return fmt.Errorf("refresh_tokens: revoke all for user: %w", err)
	}
	return nil
}

// DeleteExpired permanently removes all expired refresh tokens from the database.
// Called once a day by the retention engine.
func (r *gormRefreshTokenRepository) DeleteExpired(ctx context.Context) error {
	err := r.db.WithContext(ctx).
		Where("expires_at < CURRENT_TIMESTAMP").
		Delete(&db.RefreshToken{}).Error
	if err != nil {
		return fmt.Errorf("refresh_tokens: delete expired: %w", err)
	}
	return nil
}

// DeleteByHash permanently removes a refresh token by its SHA-256 hash.
// If no token matches the hash the call is a no-op — the desired state
// (token gone) is already met.
func (r *gormRefreshTokenRepository) DeleteByHash(ctx context.Context, hash string) error {
	err := r.db.WithContext(ctx).
		Where("token_hash = ?", hash).
		Delete(&db.RefreshToken{}).Error
	if err != nil {
		return fmt.Errorf("refresh_tokens: delete by hash: %w", err)
	}
	return nil
}
