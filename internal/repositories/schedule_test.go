package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exportkit-io/exportkit/internal/db"
)

func TestScheduleRepository_CreateAndGet(t *testing.T) {
	database := newTestDB(t)
	repo := NewScheduleRepository(database)
	ctx := context.Background()
	tenantID := seedTenant(t, database)

	sched := &db.Schedule{TenantID: tenantID, Name: "nightly", CronExpr: "0 3 * * *", Format: "csv", Query: "{}"}
	require.NoError(t, repo.Create(ctx, sched))

	got, err := repo.GetByID(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, "nightly", got.Name)
	assert.True(t, got.Enabled)
	assert.Equal(t, "UTC", got.Timezone)
}

func TestScheduleRepository_Update(t *testing.T) {
	database := newTestDB(t)
	repo := NewScheduleRepository(database)
	ctx := context.Background()
	tenantID := seedTenant(t, database)

	sched := &db.Schedule{TenantID: tenantID, Name: "nightly", CronExpr: "0 3 * * *", Format: "csv", Query: "{}"}
	require.NoError(t, repo.Create(ctx, sched))

	sched.Enabled = false
	sched.CronExpr = "0 4 * * *"
	require.NoError(t, repo.Update(ctx, sched))

	got, err := repo.GetByID(ctx, sched.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "0 4 * * *", got.CronExpr)
}

func TestScheduleRepository_Delete(t *testing.T) {
	database := newTestDB(t)
	repo := NewScheduleRepository(database)
	ctx := context.Background()
	tenantID := seedTenant(t, database)

	sched := &db.Schedule{TenantID: tenantID, Name: "nightly", CronExpr: "0 3 * * *", Format: "csv", Query: "{}"}
	require.NoError(t, repo.Create(ctx, sched))
	require.NoError(t, repo.Delete(ctx, sched.ID))

	_, err := repo.GetByID(ctx, sched.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScheduleRepository_ListDue(t *testing.T) {
	database := newTestDB(t)
	repo := NewScheduleRepository(database)
	ctx := context.Background()
	tenantID := seedTenant(t, database)

	now := time.Now()
	due := &db.Schedule{TenantID: tenantID, Name: "due", CronExpr: "0 3 * * *", Format: "csv", Query: "{}", NextRunAt: ptrTime(now.Add(-time.Minute))}
	notYet := &db.Schedule{TenantID: tenantID, Name: "not-yet", CronExpr: "0 3 * * *", Format: "csv", Query: "{}", NextRunAt: ptrTime(now.Add(time.Hour))}
	disabled := &db.Schedule{TenantID: tenantID, Name: "disabled", CronExpr: "0 3 * * *", Format: "csv", Query: "{}", NextRunAt: ptrTime(now.Add(-time.Minute))}
	require.NoError(t, repo.Create(ctx, due))
	require.NoError(t, repo.Create(ctx, notYet))
	require.NoError(t, repo.Create(ctx, disabled))

	// Enabled defaults to true via the column default and GORM's zero-value
	// omission on Create, so flip it off with a follow-up Update instead.
	disabled.Enabled = false
	require.NoError(t, repo.Update(ctx, disabled))

	scheds, err := repo.ListDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, scheds, 1)
	assert.Equal(t, due.ID, scheds[0].ID)
}

func TestScheduleRepository_RecordRun(t *testing.T) {
	database := newTestDB(t)
	repo := NewScheduleRepository(database)
	ctx := context.Background()
	tenantID := seedTenant(t, database)

	sched := &db.Schedule{TenantID: tenantID, Name: "nightly", CronExpr: "0 3 * * *", Format: "csv", Query: "{}"}
	require.NoError(t, repo.Create(ctx, sched))

	jobID := uuid.Must(uuid.NewV7())
	now := time.Now()
	next := now.Add(24 * time.Hour)
	require.NoError(t, repo.RecordRun(ctx, sched.ID, now, next, jobID))

	got, err := repo.GetByID(ctx, sched.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, jobID, got.LastJobID)
}

func ptrTime(t time.Time) *time.Time { return &t }
