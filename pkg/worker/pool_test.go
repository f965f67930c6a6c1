package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cedricziel/durableflow/internal/testutil"
	"github.com/cedricziel/durableflow/pkg/client"
	"github.com/cedricziel/durableflow/pkg/runtime"
)

func TestNewPoolOnlyFirstWorkerSweeps(t *testing.T) {
	b := testutil.NewMemoryBackend()
	c := client.New("pool-test", b)
	base := DefaultConfig()
	base.WorkerID = "pool"
	base.SweepEnabled = true

	pool := NewPool(b, c, base, 3)
	require.Len(t, pool.workers, 3)

	assert.True(t, pool.workers[0].cfg.SweepEnabled)
	assert.False(t, pool.workers[1].cfg.SweepEnabled)
	assert.False(t, pool.workers[2].cfg.SweepEnabled)

	assert.Equal(t, "pool-0", pool.workers[0].cfg.WorkerID)
	assert.Equal(t, "pool-1", pool.workers[1].cfg.WorkerID)
	assert.Equal(t, "pool-2", pool.workers[2].cfg.WorkerID)
}

func TestNewPoolSweepDisabledOnBaseDisablesAll(t *testing.T) {
	b := testutil.NewMemoryBackend()
	c := client.New("pool-test", b)
	base := DefaultConfig()
	base.WorkerID = "pool"
	base.SweepEnabled = false

	pool := NewPool(b, c, base, 2)
	for _, w := range pool.workers {
		assert.False(t, w.cfg.SweepEnabled)
	}
}

func TestPoolStopBoundsGraceAcrossAllWorkers(t *testing.T) {
	const ns = "pool-stop-test"
	b := testutil.NewMemoryBackend()
	c := client.New(ns, b)
	require.NoError(t, c.Define("stuck", func(ctx context.Context, input json.RawMessage, step *runtime.Step) (any, error) {
		_, err := step.Run("block", func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		return nil, err
	}, nil))

	base := DefaultConfig()
	base.WorkerID = "pool"
	base.Namespace = ns
	base.Concurrency = 1
	base.LeaseDuration = time.Minute
	base.HeartbeatInterval = time.Hour
	base.PollTimeout = 10 * time.Millisecond
	base.SweepEnabled = false

	const workerCount = 3
	pool := NewPool(b, c, base, workerCount)

	handles := make([]string, workerCount)
	for i := range handles {
		h, err := c.Run(context.Background(), "stuck", json.RawMessage(`{}`))
		require.NoError(t, err)
		handles[i] = h.ID()
	}

	go pool.Start(context.Background())
	for _, id := range handles {
		waitForRunning(t, b, id)
	}

	grace := 30 * time.Millisecond
	began := time.Now()
	pool.Stop(grace)
	elapsed := time.Since(began)

	assert.GreaterOrEqual(t, elapsed, grace)
	assert.Less(t, elapsed, grace+workerCount*grace, "pool-wide grace must not scale with worker count")
}
