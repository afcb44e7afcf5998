package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exportkit-io/exportkit/internal/db"
)

func TestAuditRepository_RecordAndListByTenant(t *testing.T) {
	database := newTestDB(t)
	repo := NewAuditRepository(database)
	ctx := context.Background()
	tenantID := seedTenant(t, database)

	require.NoError(t, repo.Record(ctx, &db.AuditEntry{TenantID: tenantID, ActorType: "credential", ActorID: "cred-1", Action: "job.create"}))
	require.NoError(t, repo.Record(ctx, &db.AuditEntry{TenantID: tenantID, ActorType: "dashboard_user", ActorID: "user-1", Action: "key.revoke"}))

	entries, total, err := repo.ListByTenant(ctx, tenantID, ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, entries, 2)
}

func TestAuditRepository_AnonymizeForTenant(t *testing.T) {
	database := newTestDB(t)
	repo := NewAuditRepository(database)
	ctx := context.Background()
	tenantID := seedTenant(t, database)

	entry := &db.AuditEntry{TenantID: tenantID, ActorType: "dashboard_user", ActorID: "user-1", Action: "key.create", IPAddress: "203.0.113.1"}
	require.NoError(t, repo.Record(ctx, entry))

	require.NoError(t, repo.AnonymizeForTenant(ctx, tenantID))

	entries, _, err := repo.ListByTenant(ctx, tenantID, ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "erased", entries[0].ActorID)
	assert.Equal(t, "", entries[0].IPAddress)
	assert.Equal(t, "key.create", entries[0].Action, "action must survive anonymization for compliance reporting")
}

func TestAuditRepository_PurgeOlderThan(t *testing.T) {
	database := newTestDB(t)
	repo := NewAuditRepository(database)
	ctx := context.Background()
	tenantID := seedTenant(t, database)

	require.NoError(t, repo.Record(ctx, &db.AuditEntry{TenantID: tenantID, ActorType: "credential", ActorID: "cred-1", Action: "job.create"}))

	n, err := repo.PurgeOlderThan(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, total, err := repo.ListByTenant(ctx, tenantID, ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 0, total)
}
