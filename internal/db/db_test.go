package db

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	require.NoError(t, InitEncryption([]byte("01234567890123456789012345678901")))

	database, err := New(Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	return database
}

func TestNew_AppliesMigrations(t *testing.T) {
	database := newTestDB(t)

	for _, table := range []string{
		"tenants", "credentials", "jobs", "schedules", "usage_records",
		"webhook_deliveries", "audit_entries", "dashboard_users",
		"refresh_tokens", "oidc_provider_configs", "settings",
	} {
		var count int64
		err := database.Table(table).Count(&count).Error
		assert.NoError(t, err, "table %s should exist after migrations", table)
	}
}

func TestNew_MigrationsAreIdempotent(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "exportkit.db")
	require.NoError(t, InitEncryption([]byte("01234567890123456789012345678901")))

	_, err := New(Config{Driver: "sqlite", DSN: dsn, Logger: zap.NewNop()})
	require.NoError(t, err)

	_, err = New(Config{Driver: "sqlite", DSN: dsn, Logger: zap.NewNop()})
	assert.NoError(t, err, "re-running New against an already-migrated database should be a no-op")
}

func TestNew_RejectsUnknownDriver(t *testing.T) {
	require.NoError(t, InitEncryption([]byte("01234567890123456789012345678901")))
	_, err := New(Config{Driver: "mysql", DSN: "whatever", Logger: zap.NewNop()})
	assert.Error(t, err)
}

func TestNew_RequiresLogger(t *testing.T) {
	_, err := New(Config{Driver: "sqlite", DSN: ":memory:"})
	assert.Error(t, err)
}

func TestTenant_CreatesWithUUIDv7AndEncryptedWebhookSecret(t *testing.T) {
	database := newTestDB(t)

	tenant := &Tenant{
		Name:          "Acme Corp",
		Slug:          "acme",
		WebhookSecret: "whsec_abc123",
	}
	require.NoError(t, database.Create(tenant).Error)
	assert.NotEqual(t, uuid.Nil, tenant.ID)

	var loaded Tenant
	require.NoError(t, database.First(&loaded, "id = ?", tenant.ID).Error)
	assert.Equal(t, EncryptedString("whsec_abc123"), loaded.WebhookSecret)
	assert.Equal(t, "FREE", loaded.PlanTier)
	assert.Equal(t, 7, loaded.RetentionDays)
}
