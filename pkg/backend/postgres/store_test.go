package postgres_test

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/cedricziel/durableflow/internal/testutil"
	"github.com/cedricziel/durableflow/pkg/backend"
	"github.com/cedricziel/durableflow/pkg/backend/conformance"
	"github.com/cedricziel/durableflow/pkg/backend/postgres"
)

func TestStoreConformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed test in -short mode")
	}
	conformance.Run(t, newPostgresBackend)
}

func newPostgresBackend(t *testing.T) (backend.Backend, func()) {
	t.Helper()
	ctx := context.Background()
	_, sqlDB, dsn, cleanup := testutil.SetupPostgresWithMigrations(ctx, t)

	store := postgres.New(sqlx.NewDb(sqlDB, "postgres"), dsn)
	return store, func() {
		store.Close()
		cleanup()
	}
}
