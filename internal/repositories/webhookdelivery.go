package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/exportkit-io/exportkit/internal/db"
)

// gormWebhookDeliveryRepository is the GORM-backed implementation of WebhookDeliveryRepository.
type gormWebhookDeliveryRepository struct {
	database *gorm.DB
}

// NewWebhookDeliveryRepository creates a new WebhookDeliveryRepository backed by GORM.
func NewWebhookDeliveryRepository(database *gorm.DB) WebhookDeliveryRepository {
	return &gormWebhookDeliveryRepository{database: database}
}

func (r *gormWebhookDeliveryRepository) Create(ctx context.Context, d *db.WebhookDelivery) error {
	return r.database.WithContext(ctx).Create(d).Error
}

func (r *gormWebhookDeliveryRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.WebhookDelivery, error) {
	var d db.WebhookDelivery
	if err := r.database.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (r *gormWebhookDeliveryRepository) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time, statusCode int) error {
	return r.database.WithContext(ctx).Model(&db.WebhookDelivery{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":          "DELIVERED",
			"last_attempt_at": at,
			"response_code":   statusCode,
			"attempts":        gorm.Expr("attempts + 1"),
		}).Error
}

// MarkFailed records a failed attempt. nextAttemptAt nil means no further
// retry is scheduled — the delivery is terminally FAILED.
func (r *gormWebhookDeliveryRepository) MarkFailed(ctx context.Context, id uuid.UUID, at time.Time, statusCode int, respBody, errMsg string, nextAttemptAt *time.Time) error {
	status := "PENDING"
	if nextAttemptAt == nil {
		status = "FAILED"
	}
	return r.database.WithContext(ctx).Model(&db.WebhookDelivery{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":          status,
			"last_attempt_at": at,
			"next_attempt_at": nextAttemptAt,
			"response_code":   statusCode,
			"response_body":   truncate(respBody, 4096),
			"error":           errMsg,
			"attempts":        gorm.Expr("attempts + 1"),
		}).Error
}

func (r *gormWebhookDeliveryRepository) ListPendingDue(ctx context.Context, now time.Time) ([]db.WebhookDelivery, error) {
	var deliveries []db.WebhookDelivery
	err := r.database.WithContext(ctx).
		Where("status = 'PENDING' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)", now).
		Find(&deliveries).Error
	if err != nil {
		return nil, err
	}
	return deliveries, nil
}

// PurgeOlderThan hard-deletes delivery records created before cutoff.
func (r *gormWebhookDeliveryRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.database.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&db.WebhookDelivery{})
	return result.RowsAffected, result.Error
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
