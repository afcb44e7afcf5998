package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/exportkit-io/exportkit/internal/db"
)

// gormJobRepository is the GORM-backed implementation of JobRepository.
type gormJobRepository struct {
	database *gorm.DB
}

// NewJobRepository creates a new JobRepository backed by GORM.
func NewJobRepository(database *gorm.DB) JobRepository {
	return &gormJobRepository{database: database}
}

func (r *gormJobRepository) Create(ctx context.Context, job *db.Job) error {
	return r.database.WithContext(ctx).Create(job).Error
}

func (r *gormJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	var j db.Job
	if err := r.database.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &j, nil
}

func (r *gormJobRepository) SetBrokerID(ctx context.Context, id uuid.UUID, brokerID string) error {
	return r.database.WithContext(ctx).Model(&db.Job{}).
		Where("id = ?", id).
		Update("broker_id", brokerID).Error
}

// MarkProcessing writes only the columns owned by the leasing worker.
func (r *gormJobRepository) MarkProcessing(ctx context.Context, id uuid.UUID, startedAt time.Time, attemptsMade int) error {
	return r.database.WithContext(ctx).Model(&db.Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        "PROCESSING",
			"started_at":    startedAt,
			"attempts_made": attemptsMade,
		}).Error
}

// MarkSucceeded writes only the columns owned by the event listener.
func (r *gormJobRepository) MarkSucceeded(ctx context.Context, id uuid.UUID, completedAt time.Time, resultKey string, sizeBytes, rowCount int64, fileExpiresAt time.Time) error {
	return r.database.WithContext(ctx).Model(&db.Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            "COMPLETED",
			"completed_at":      completedAt,
			"result_key":        resultKey,
			"result_size_bytes": sizeBytes,
			"result_row_count":  rowCount,
			"file_expires_at":   fileExpiresAt,
			"progress":          100,
		}).Error
}

// MarkFailed writes only the columns owned by the event listener.
func (r *gormJobRepository) MarkFailed(ctx context.Context, id uuid.UUID, completedAt time.Time, errorCode, errMsg string) error {
	return r.database.WithContext(ctx).Model(&db.Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       "FAILED",
			"completed_at": completedAt,
			"error_code":   errorCode,
			"error":        errMsg,
		}).Error
}

// UpdateProgress is called by the coalescing progress handler, at most a
// few times per second per job regardless of how fast the engine samples.
func (r *gormJobRepository) UpdateProgress(ctx context.Context, id uuid.UUID, progress int) error {
	return r.database.WithContext(ctx).Model(&db.Job{}).
		Where("id = ? AND status = 'PROCESSING'", id).
		Update("progress", progress).Error
}

func (r *gormJobRepository) List(ctx context.Context, tenantID uuid.UUID, opts ListOptions) ([]db.Job, int64, error) {
	var jobs []db.Job
	var total int64

	q := r.database.WithContext(ctx).Model(&db.Job{}).Where("tenant_id = ?", tenantID)
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := q.Order("id desc").Limit(opts.Limit).Offset(opts.Offset).Find(&jobs).Error; err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// ListStaleQueued finds jobs admitted before cutoff that never left QUEUED —
// the grace-period window used by the admission reconciliation sweep.
func (r *gormJobRepository) ListStaleQueued(ctx context.Context, cutoff time.Time) ([]db.Job, error) {
	var jobs []db.Job
	err := r.database.WithContext(ctx).
		Where("status = 'QUEUED' AND created_at < ?", cutoff).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// PurgeExpired hard-deletes jobs whose completed_at predates completedBefore
// and whose file_expires_at has already passed — a row only qualifies once
// both the retention floor and its own computed expiry are satisfied.
func (r *gormJobRepository) PurgeExpired(ctx context.Context, completedBefore time.Time) (int64, error) {
	result := r.database.WithContext(ctx).
		Where("completed_at IS NOT NULL AND completed_at < ? AND file_expires_at IS NOT NULL AND file_expires_at < ?", completedBefore, time.Now()).
		Delete(&db.Job{})
	return result.RowsAffected, result.Error
}
