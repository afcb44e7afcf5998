package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/exportkit-io/exportkit/internal/broker"
	"github.com/exportkit-io/exportkit/internal/db"
	"github.com/exportkit-io/exportkit/internal/repositories"
	"github.com/exportkit-io/exportkit/internal/webhook"
)

type fakeWebhookDeliveryRepo struct {
	repositories.WebhookDeliveryRepository
	byID map[uuid.UUID]*db.WebhookDelivery
}

func (f *fakeWebhookDeliveryRepo) GetByID(ctx context.Context, id uuid.UUID) (*db.WebhookDelivery, error) {
	d, ok := f.byID[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeWebhookDeliveryRepo) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time, statusCode int) error {
	f.byID[id].Status = "DELIVERED"
	f.byID[id].ResponseCode = statusCode
	return nil
}

func (f *fakeWebhookDeliveryRepo) MarkFailed(ctx context.Context, id uuid.UUID, at time.Time, statusCode int, respBody, errMsg string, nextAttemptAt *time.Time) error {
	f.byID[id].Status = "PENDING"
	if nextAttemptAt == nil {
		f.byID[id].Status = "FAILED"
	}
	f.byID[id].Error = errMsg
	f.byID[id].NextAttemptAt = nextAttemptAt
	return nil
}

type fakeTenantRepoForWebhook struct {
	repositories.TenantRepository
	byID map[uuid.UUID]*db.Tenant
}

func (f *fakeTenantRepoForWebhook) GetByID(ctx context.Context, id uuid.UUID) (*db.Tenant, error) {
	t, ok := f.byID[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTenantRepoForWebhook) RecordWebhookSuccess(ctx context.Context, id uuid.UUID, at time.Time) error {
	return nil
}
func (f *fakeTenantRepoForWebhook) RecordWebhookFailure(ctx context.Context, id uuid.UUID, at time.Time) error {
	return nil
}

func TestWebhookPoolProcess_AcksOnSuccessfulDelivery(t *testing.T) {
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer endpoint.Close()

	tenantID := uuid.Must(uuid.NewV7())
	deliveryID := uuid.Must(uuid.NewV7())
	delivery := &db.WebhookDelivery{TenantID: tenantID, JobID: uuid.Must(uuid.NewV7()), URL: endpoint.URL, Event: "export.completed", Status: "PENDING"}
	delivery.ID = deliveryID

	deliveries := &fakeWebhookDeliveryRepo{byID: map[uuid.UUID]*db.WebhookDelivery{deliveryID: delivery}}
	tenants := &fakeTenantRepoForWebhook{byID: map[uuid.UUID]*db.Tenant{tenantID: {}}}
	tenants.byID[tenantID].ID = tenantID

	b := newTestBroker(t)
	require.NoError(t, b.Enqueue(context.Background(), webhook.Queue, 5, deliveryID.String()))
	_, ok, err := b.Lease(context.Background(), webhook.Queue, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	sender := webhook.New(deliveries, tenants, b, zap.NewNop())
	p := NewWebhookPool(b, sender, deliveries, 1, zap.NewNop())

	p.process(context.Background(), deliveryID.String())

	assert.Equal(t, "DELIVERED", deliveries.byID[deliveryID].Status)
	_, ok, err = b.Lease(context.Background(), webhook.Queue, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "delivered webhook should have been acked, not left leasable")
}

func TestWebhookPoolProcess_LeavesDeliveryLeasedAsRetryOnFailure(t *testing.T) {
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer endpoint.Close()

	tenantID := uuid.Must(uuid.NewV7())
	deliveryID := uuid.Must(uuid.NewV7())
	delivery := &db.WebhookDelivery{TenantID: tenantID, JobID: uuid.Must(uuid.NewV7()), URL: endpoint.URL, Event: "export.completed", Status: "PENDING", Attempts: 0}
	delivery.ID = deliveryID

	deliveries := &fakeWebhookDeliveryRepo{byID: map[uuid.UUID]*db.WebhookDelivery{deliveryID: delivery}}
	tenants := &fakeTenantRepoForWebhook{byID: map[uuid.UUID]*db.Tenant{tenantID: {}}}
	tenants.byID[tenantID].ID = tenantID

	b := newTestBroker(t)
	require.NoError(t, b.Enqueue(context.Background(), webhook.Queue, 5, deliveryID.String()))
	_, ok, err := b.Lease(context.Background(), webhook.Queue, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	sender := webhook.New(deliveries, tenants, b, zap.NewNop())
	p := NewWebhookPool(b, sender, deliveries, 1, zap.NewNop())

	p.process(context.Background(), deliveryID.String())

	assert.Equal(t, "PENDING", deliveries.byID[deliveryID].Status)
	require.NotNil(t, deliveries.byID[deliveryID].NextAttemptAt)

	// Not acked: the delivery is in the broker's retry set, not its pending
	// set, so an immediate lease attempt finds nothing either way.
	_, ok, err = b.Lease(context.Background(), webhook.Queue, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}
