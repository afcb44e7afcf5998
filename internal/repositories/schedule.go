package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/exportkit-io/exportkit/internal/db"
)

// gormScheduleRepository is the GORM-backed implementation of ScheduleRepository.
type gormScheduleRepository struct {
	database *gorm.DB
}

// NewScheduleRepository creates a new ScheduleRepository backed by GORM.
func NewScheduleRepository(database *gorm.DB) ScheduleRepository {
	return &gormScheduleRepository{database: database}
}

func (r *gormScheduleRepository) Create(ctx context.Context, sched *db.Schedule) error {
	return r.database.WithContext(ctx).Create(sched).Error
}

func (r *gormScheduleRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Schedule, error) {
	var s db.Schedule
	if err := r.database.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *gormScheduleRepository) Update(ctx context.Context, sched *db.Schedule) error {
	return r.database.WithContext(ctx).Save(sched).Error
}

func (r *gormScheduleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.database.WithContext(ctx).Delete(&db.Schedule{}, "id = ?", id).Error
}

func (r *gormScheduleRepository) List(ctx context.Context, tenantID uuid.UUID, opts ListOptions) ([]db.Schedule, int64, error) {
	var scheds []db.Schedule
	var total int64

	q := r.database.WithContext(ctx).Model(&db.Schedule{}).Where("tenant_id = ?", tenantID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if err := q.Order("created_at desc").Limit(opts.Limit).Offset(opts.Offset).Find(&scheds).Error; err != nil {
		return nil, 0, err
	}
	return scheds, total, nil
}

// ListDue is polled every 60 seconds by the schedule engine's single
// gocron job.
func (r *gormScheduleRepository) ListDue(ctx context.Context, now time.Time) ([]db.Schedule, error) {
	var scheds []db.Schedule
	err := r.database.WithContext(ctx).
		Where("enabled = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", true, now).
		Find(&scheds).Error
	if err != nil {
		return nil, err
	}
	return scheds, nil
}

func (r *gormScheduleRepository) RecordRun(ctx context.Context, id uuid.UUID, lastRunAt, nextRunAt time.Time, jobID uuid.UUID) error {
	return r.database.WithContext(ctx).Model(&db.Schedule{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_run_at": lastRunAt,
			"next_run_at": nextRunAt,
			"last_job_id": jobID,
		}).Error
}
