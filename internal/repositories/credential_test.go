package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/exportkit-io/exportkit/internal/db"
)

func seedTenant(t *testing.T, database *gorm.DB) uuid.UUID {
	t.Helper()
	tenant := &db.Tenant{Name: "Acme", Slug: "acme"}
	require.NoError(t, database.Create(tenant).Error)
	return tenant.ID
}

func TestCredentialRepository_CreateAndGet(t *testing.T) {
	database := newTestDB(t)
	repo := NewCredentialRepository(database)
	ctx := context.Background()
	tenantID := seedTenant(t, database)

	cred := &db.Credential{TenantID: tenantID, Name: "default", Prefix: "abcd1234", SecretDigest: "digest", Scope: "WRITE"}
	require.NoError(t, repo.Create(ctx, cred))

	got, err := repo.GetByID(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, "default", got.Name)
	assert.Equal(t, "WRITE", got.Scope)
}

func TestCredentialRepository_DuplicateDigestConflicts(t *testing.T) {
	database := newTestDB(t)
	repo := NewCredentialRepository(database)
	ctx := context.Background()
	tenantID := seedTenant(t, database)

	require.NoError(t, repo.Create(ctx, &db.Credential{TenantID: tenantID, Name: "a", Prefix: "aaaaaaaa", SecretDigest: "same"}))
	err := repo.Create(ctx, &db.Credential{TenantID: tenantID, Name: "b", Prefix: "bbbbbbbb", SecretDigest: "same"})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCredentialRepository_ListByPrefix_ExcludesRevoked(t *testing.T) {
	database := newTestDB(t)
	repo := NewCredentialRepository(database)
	ctx := context.Background()
	tenantID := seedTenant(t, database)

	active := &db.Credential{TenantID: tenantID, Name: "active", Prefix: "shared01", SecretDigest: "d1"}
	revoked := &db.Credential{TenantID: tenantID, Name: "revoked", Prefix: "shared01", SecretDigest: "d2"}
	require.NoError(t, repo.Create(ctx, active))
	require.NoError(t, repo.Create(ctx, revoked))
	require.NoError(t, repo.Revoke(ctx, revoked.ID))

	creds, err := repo.ListByPrefix(ctx, "shared01")
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, active.ID, creds[0].ID)
}

func TestCredentialRepository_Update(t *testing.T) {
	database := newTestDB(t)
	repo := NewCredentialRepository(database)
	ctx := context.Background()
	tenantID := seedTenant(t, database)

	cred := &db.Credential{TenantID: tenantID, Name: "old-name", Prefix: "abcd1234", SecretDigest: "digest"}
	require.NoError(t, repo.Create(ctx, cred))

	cred.Name = "new-name"
	require.NoError(t, repo.Update(ctx, cred))

	got, err := repo.GetByID(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-name", got.Name)
	assert.Equal(t, "abcd1234", got.Prefix, "Update must not touch prefix/digest/scope")
}

func TestCredentialRepository_TouchLastUsed(t *testing.T) {
	database := newTestDB(t)
	repo := NewCredentialRepository(database)
	ctx := context.Background()
	tenantID := seedTenant(t, database)

	cred := &db.Credential{TenantID: tenantID, Name: "default", Prefix: "abcd1234", SecretDigest: "digest"}
	require.NoError(t, repo.Create(ctx, cred))
	assert.Nil(t, cred.LastUsedAt)

	now := time.Now().Truncate(time.Second)
	require.NoError(t, repo.TouchLastUsed(ctx, cred.ID, now))

	got, err := repo.GetByID(ctx, cred.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)
	assert.WithinDuration(t, now, *got.LastUsedAt, time.Second)
}

func TestCredentialRepository_ListByTenant(t *testing.T) {
	database := newTestDB(t)
	repo := NewCredentialRepository(database)
	ctx := context.Background()
	tenantID := seedTenant(t, database)
	otherTenantID := seedTenant(t, database)

	require.NoError(t, repo.Create(ctx, &db.Credential{TenantID: tenantID, Name: "a", Prefix: "aaaaaaaa", SecretDigest: "d1"}))
	require.NoError(t, repo.Create(ctx, &db.Credential{TenantID: tenantID, Name: "b", Prefix: "bbbbbbbb", SecretDigest: "d2"}))
	require.NoError(t, repo.Create(ctx, &db.Credential{TenantID: otherTenantID, Name: "c", Prefix: "cccccccc", SecretDigest: "d3"}))

	creds, total, err := repo.ListByTenant(ctx, tenantID, ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, creds, 2)
}
