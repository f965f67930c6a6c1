package sqlite_test

import (
	"testing"

	"github.com/cedricziel/durableflow/pkg/backend"
	"github.com/cedricziel/durableflow/pkg/backend/conformance"
	"github.com/cedricziel/durableflow/pkg/backend/sqlite"
)

func TestStoreConformance(t *testing.T) {
	conformance.Run(t, newSQLiteBackend)
}

func newSQLiteBackend(t *testing.T) (backend.Backend, func()) {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return store, func() { store.Close() }
}
