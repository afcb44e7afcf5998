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

func TestWebhookDeliveryRepository_CreateAndGet(t *testing.T) {
	database := newTestDB(t)
	repo := NewWebhookDeliveryRepository(database)
	ctx := context.Background()
	tenantID := seedTenant(t, database)

	d := &db.WebhookDelivery{TenantID: tenantID, JobID: uuid.Must(uuid.NewV7()), URL: "https://example.com/hook", Event: "job.completed", Status: "PENDING"}
	require.NoError(t, repo.Create(ctx, d))

	got, err := repo.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "PENDING", got.Status)
}

func TestWebhookDeliveryRepository_MarkDelivered(t *testing.T) {
	database := newTestDB(t)
	repo := NewWebhookDeliveryRepository(database)
	ctx := context.Background()
	tenantID := seedTenant(t, database)

	d := &db.WebhookDelivery{TenantID: tenantID, JobID: uuid.Must(uuid.NewV7()), URL: "https://example.com/hook", Event: "job.completed", Status: "PENDING"}
	require.NoError(t, repo.Create(ctx, d))

	require.NoError(t, repo.MarkDelivered(ctx, d.ID, time.Now(), 200))

	got, err := repo.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "DELIVERED", got.Status)
	assert.Equal(t, 200, got.ResponseCode)
	assert.Equal(t, 1, got.Attempts)
}

func TestWebhookDeliveryRepository_MarkFailed_WithRetry(t *testing.T) {
	database := newTestDB(t)
	repo := NewWebhookDeliveryRepository(database)
	ctx := context.Background()
	tenantID := seedTenant(t, database)

	d := &db.WebhookDelivery{TenantID: tenantID, JobID: uuid.Must(uuid.NewV7()), URL: "https://example.com/hook", Event: "job.completed", Status: "PENDING"}
	require.NoError(t, repo.Create(ctx, d))

	next := time.Now().Add(10 * time.Second)
	require.NoError(t, repo.MarkFailed(ctx, d.ID, time.Now(), 500, "internal error", "server returned 500", &next))

	got, err := repo.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "PENDING", got.Status, "a scheduled retry keeps the delivery PENDING")
	require.NotNil(t, got.NextAttemptAt)
}

func TestWebhookDeliveryRepository_MarkFailed_NoRetryIsTerminal(t *testing.T) {
	database := newTestDB(t)
	repo := NewWebhookDeliveryRepository(database)
	ctx := context.Background()
	tenantID := seedTenant(t, database)

	d := &db.WebhookDelivery{TenantID: tenantID, JobID: uuid.Must(uuid.NewV7()), URL: "https://example.com/hook", Event: "job.completed", Status: "PENDING"}
	require.NoError(t, repo.Create(ctx, d))

	require.NoError(t, repo.MarkFailed(ctx, d.ID, time.Now(), 410, "gone", "endpoint gone", nil))

	got, err := repo.GetByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "FAILED", got.Status)
}

func TestWebhookDeliveryRepository_ListPendingDue(t *testing.T) {
	database := newTestDB(t)
	repo := NewWebhookDeliveryRepository(database)
	ctx := context.Background()
	tenantID := seedTenant(t, database)

	now := time.Now()
	dueNext := now.Add(-time.Second)
	notYetNext := now.Add(time.Hour)

	neverAttempted := &db.WebhookDelivery{TenantID: tenantID, JobID: uuid.Must(uuid.NewV7()), URL: "https://example.com/a", Event: "job.completed", Status: "PENDING"}
	due := &db.WebhookDelivery{TenantID: tenantID, JobID: uuid.Must(uuid.NewV7()), URL: "https://example.com/b", Event: "job.completed", Status: "PENDING", NextAttemptAt: &dueNext}
	notYet := &db.WebhookDelivery{TenantID: tenantID, JobID: uuid.Must(uuid.NewV7()), URL: "https://example.com/c", Event: "job.completed", Status: "PENDING", NextAttemptAt: &notYetNext}
	require.NoError(t, repo.Create(ctx, neverAttempted))
	require.NoError(t, repo.Create(ctx, due))
	require.NoError(t, repo.Create(ctx, notYet))

	deliveries, err := repo.ListPendingDue(ctx, now)
	require.NoError(t, err)
	ids := map[uuid.UUID]bool{}
	for _, d := range deliveries {
		ids[d.ID] = true
	}
	assert.True(t, ids[neverAttempted.ID])
	assert.True(t, ids[due.ID])
	assert.False(t, ids[notYet.ID])
}
