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
	"github.com/cedricziel/durableflow/pkg/workflow"
)

const ns = "worker-test"

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WorkerID = "w"
	cfg.Namespace = ns
	cfg.Concurrency = 2
	cfg.LeaseDuration = time.Minute
	cfg.HeartbeatInterval = time.Hour // disable heartbeat churn in tests
	cfg.PollTimeout = 10 * time.Millisecond
	cfg.SweepEnabled = false
	return cfg
}

func waitForTerminal(t *testing.T, b *testutil.MemoryBackend, runID string) *workflow.WorkflowRun {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		run, err := b.GetRun(context.Background(), ns, runID)
		require.NoError(t, err)
		if run != nil && run.Status.Terminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("run did not reach a terminal state in time")
	return nil
}

func TestWorkerExecutesRunToCompletion(t *testing.T) {
	b := testutil.NewMemoryBackend()
	c := client.New(ns, b)
	require.NoError(t, c.Define("echo", func(ctx context.Context, input json.RawMessage, step *runtime.Step) (any, error) {
		out, err := step.Run("identity", func(ctx context.Context) (any, error) {
			var v any
			if err := json.Unmarshal(input, &v); err != nil {
				return nil, err
			}
			return v, nil
		})
		if err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal(out, &v); err != nil {
			return nil, err
		}
		return v, nil
	}, nil))

	handle, err := c.Run(context.Background(), "echo", json.RawMessage(`{"k":"v"}`))
	require.NoError(t, err)

	w := New(b, c, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	run := waitForTerminal(t, b, handle.ID())
	assert.Equal(t, workflow.RunCompleted, run.Status)
	assert.JSONEq(t, `{"k":"v"}`, string(run.Output))
}

func TestWorkerMarksUnknownWorkflowFailed(t *testing.T) {
	b := testutil.NewMemoryBackend()
	c := client.New(ns, b)
	// Enqueue directly, bypassing client.Run's registry check, the way a
	// stale enqueue against a since-renamed workflow would look.
	runID, err := b.EnqueueRun(context.Background(), ns, "does-not-exist", json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	w := New(b, c, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	run := waitForTerminal(t, b, runID)
	assert.Equal(t, workflow.RunFailed, run.Status)
}

func TestWorkerReleasesLeaseOnSleepOutcome(t *testing.T) {
	b := testutil.NewMemoryBackend()
	c := client.New(ns, b)
	require.NoError(t, c.Define("sleeper", func(ctx context.Context, input json.RawMessage, step *runtime.Step) (any, error) {
		if err := step.Sleep("nap", time.Hour); err != nil {
			return nil, err
		}
		return "done", nil
	}, nil))

	handle, err := c.Run(context.Background(), "sleeper", json.RawMessage(`{}`))
	require.NoError(t, err)

	w := New(b, c, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	go w.Start(ctx)

	deadline := time.Now().Add(time.Second)
	var run *workflow.WorkflowRun
	var attempts []workflow.StepAttempt
	for time.Now().Before(deadline) {
		run, err = b.GetRun(context.Background(), ns, handle.ID())
		require.NoError(t, err)
		attempts, err = b.ListAttempts(context.Background(), ns, handle.ID())
		require.NoError(t, err)
		// The run is pending before the worker claims it too, so wait for
		// the sleep attempt to exist as well.
		if run.Status == workflow.RunPending && len(attempts) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	require.NotNil(t, run)
	require.Len(t, attempts, 1, "the worker must have executed the run up to its sleep")
	assert.Equal(t, workflow.AttemptSleep, attempts[0].Kind)
	assert.Equal(t, workflow.RunPending, run.Status, "a sleeping run must be released back to pending, not left running or marked terminal")
}

func waitForRunning(t *testing.T, b *testutil.MemoryBackend, runID string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		run, err := b.GetRun(context.Background(), ns, runID)
		require.NoError(t, err)
		if run != nil && run.Status == workflow.RunRunning {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("run never reached running state")
}

func TestStopAwaitsInFlightRunWithinGrace(t *testing.T) {
	b := testutil.NewMemoryBackend()
	c := client.New(ns, b)
	proceed := make(chan struct{})
	require.NoError(t, c.Define("slow", func(ctx context.Context, input json.RawMessage, step *runtime.Step) (any, error) {
		_, err := step.Run("wait", func(ctx context.Context) (any, error) {
			<-proceed
			return "done", nil
		})
		return "done", err
	}, nil))

	handle, err := c.Run(context.Background(), "slow", json.RawMessage(`{}`))
	require.NoError(t, err)

	w := New(b, c, testConfig())
	startDone := make(chan struct{})
	go func() {
		w.Start(context.Background())
		close(startDone)
	}()

	waitForRunning(t, b, handle.ID())
	close(proceed)

	stopDone := make(chan struct{})
	began := time.Now()
	go func() {
		w.Stop(time.Second)
		close(stopDone)
	}()

	select {
	case <-stopDone:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return once the in-flight run completed")
	}
	assert.Less(t, time.Since(began), time.Second, "Stop should return as soon as the run finishes, not wait out the full grace period")

	select {
	case <-startDone:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}

	run, err := b.GetRun(context.Background(), ns, handle.ID())
	require.NoError(t, err)
	assert.Equal(t, workflow.RunCompleted, run.Status)
}

func TestStopAbandonsInFlightRunAfterGraceElapses(t *testing.T) {
	b := testutil.NewMemoryBackend()
	c := client.New(ns, b)
	require.NoError(t, c.Define("stuck", func(ctx context.Context, input json.RawMessage, step *runtime.Step) (any, error) {
		_, err := step.Run("block", func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
		return nil, err
	}, nil))

	handle, err := c.Run(context.Background(), "stuck", json.RawMessage(`{}`))
	require.NoError(t, err)

	w := New(b, c, testConfig())
	go w.Start(context.Background())

	waitForRunning(t, b, handle.ID())

	grace := 30 * time.Millisecond
	began := time.Now()
	w.Stop(grace)
	elapsed := time.Since(began)

	assert.GreaterOrEqual(t, elapsed, grace)
	assert.Less(t, elapsed, grace+500*time.Millisecond, "Stop must not wait materially longer than the grace period before abandoning")
}
