package testutil

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cedricziel/durableflow/internal/db"
)

// ApplyMigrations applies all migrations using the app's built-in migration
// system, so test databases exercise the exact same migration logic as
// production.
func ApplyMigrations(t *testing.T, sqlDB *sql.DB) {
	t.Helper()
	require.NoError(t, db.ApplyMigrations(sqlDB), "failed to apply migrations")
}
