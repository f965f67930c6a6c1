package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cedricziel/durableflow/internal/testutil"
	"github.com/cedricziel/durableflow/pkg/client"
	"github.com/cedricziel/durableflow/pkg/workflow"
)

func newTestWorker() *Worker {
	b := testutil.NewMemoryBackend()
	c := client.New(ns, b)
	cfg := testConfig()
	cfg.LeaseDuration = time.Second
	return New(b, c, cfg)
}

func TestWithBackendRetryRetriesTransientThenSucceeds(t *testing.T) {
	w := newTestWorker()
	calls := 0
	err := w.withBackendRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return workflow.NewError(workflow.KindBackendTransient, "connection reset", nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithBackendRetryStopsImmediatelyOnFatal(t *testing.T) {
	w := newTestWorker()
	calls := 0
	fatal := workflow.NewError(workflow.KindBackendFatal, "breaker open", nil)
	err := w.withBackendRetry(context.Background(), func() error {
		calls++
		return fatal
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "a non-transient error must not be retried")
	assert.Equal(t, workflow.KindBackendFatal, workflow.KindOf(err))
}

func TestWithBackendRetryStopsOnLeaseLost(t *testing.T) {
	w := newTestWorker()
	calls := 0
	err := w.withBackendRetry(context.Background(), func() error {
		calls++
		return workflow.ErrLeaseLost
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithBackendRetryGivesUpAfterLeaseDurationElapses(t *testing.T) {
	w := newTestWorker()
	w.cfg.LeaseDuration = 30 * time.Millisecond
	calls := 0
	err := w.withBackendRetry(context.Background(), func() error {
		calls++
		return workflow.NewError(workflow.KindBackendTransient, "still down", nil)
	})
	require.Error(t, err)
	assert.Greater(t, calls, 0)
}
