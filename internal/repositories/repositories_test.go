package repositories

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/exportkit-io/exportkit/internal/db"
)

// newTestDB opens a fresh in-memory sqlite database with migrations applied,
// used by every repository test in this package.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	require.NoError(t, db.InitEncryption([]byte("01234567890123456789012345678901")))

	database, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	return database
}
