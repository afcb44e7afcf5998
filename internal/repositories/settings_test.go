package repositories

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exportkit-io/exportkit/internal/db"
)

func TestSettingsRepository_SetAndGet(t *testing.T) {
	repo := NewSettingsRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Set(ctx, "smtp.host", db.EncryptedString("smtp.example.com")))

	got, err := repo.Get(ctx, "smtp.host")
	require.NoError(t, err)
	assert.Equal(t, db.EncryptedString("smtp.example.com"), got.Value)
}

func TestSettingsRepository_SetOverwritesOnConflict(t *testing.T) {
	repo := NewSettingsRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Set(ctx, "smtp.host", db.EncryptedString("old.example.com")))
	require.NoError(t, repo.Set(ctx, "smtp.host", db.EncryptedString("new.example.com")))

	got, err := repo.Get(ctx, "smtp.host")
	require.NoError(t, err)
	assert.Equal(t, db.EncryptedString("new.example.com"), got.Value)
}

func TestSettingsRepository_Get_NotFound(t *testing.T) {
	repo := NewSettingsRepository(newTestDB(t))
	_, err := repo.Get(context.Background(), "no.such.key")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSettingsRepository_GetMany_FiltersByPrefix(t *testing.T) {
	repo := NewSettingsRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Set(ctx, "smtp.host", db.EncryptedString("smtp.example.com")))
	require.NoError(t, repo.Set(ctx, "smtp.port", db.EncryptedString("587")))
	require.NoError(t, repo.Set(ctx, "branding.color", db.EncryptedString("#fff")))

	settings, err := repo.GetMany(ctx, "smtp.")
	require.NoError(t, err)
	assert.Len(t, settings, 2)
}

func TestSettingsRepository_Delete_IsIdempotent(t *testing.T) {
	repo := NewSettingsRepository(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Set(ctx, "smtp.host", db.EncryptedString("smtp.example.com")))
	require.NoError(t, repo.Delete(ctx, "smtp.host"))
	assert.NoError(t, repo.Delete(ctx, "smtp.host"))

	_, err := repo.Get(ctx, "smtp.host")
	assert.ErrorIs(t, err, ErrNotFound)
}
