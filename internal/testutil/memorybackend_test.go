package testutil

import (
	"testing"

	"github.com/cedricziel/durableflow/pkg/backend"
	"github.com/cedricziel/durableflow/pkg/backend/conformance"
)

func TestMemoryBackendConformance(t *testing.T) {
	conformance.Run(t, func(t *testing.T) (backend.Backend, func()) {
		return NewMemoryBackend(), func() {}
	})
}
