// Package conformance is a black-box test suite run against every
// backend.Backend implementation, so the embedded and relational stores
// are provably interchangeable from the runtime's point of view.
package conformance

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cedricziel/durableflow/pkg/backend"
	"github.com/cedricziel/durableflow/pkg/workflow"
)

// Factory builds a fresh, empty Backend for a single test. Cleanup tears
// it down (closing connections, removing temp files) after the test
// completes.
type Factory func(t *testing.T) (b backend.Backend, cleanup func())

// Run exercises Factory against every property the backend contract
// promises. Call it once per conforming implementation.
func Run(t *testing.T, newBackend Factory) {
	t.Run("EnqueueAndClaimFIFO", func(t *testing.T) { testEnqueueAndClaimFIFO(t, newBackend) })
	t.Run("ClaimExcludesSleepingRuns", func(t *testing.T) { testClaimExcludesSleepingRuns(t, newBackend) })
	t.Run("AtMostOneLeaseholder", func(t *testing.T) { testAtMostOneLeaseholder(t, newBackend) })
	t.Run("HeartbeatExtendsLease", func(t *testing.T) { testHeartbeatExtendsLease(t, newBackend) })
	t.Run("AtMostOneCompletedStepAttempt", func(t *testing.T) { testAtMostOneCompletedStepAttempt(t, newBackend) })
	t.Run("LeaseLostOnStaleWorker", func(t *testing.T) { testLeaseLostOnStaleWorker(t, newBackend) })
	t.Run("SweepReclaimsExpiredLeases", func(t *testing.T) { testSweepReclaimsExpiredLeases(t, newBackend) })
	t.Run("RunLifecycle", func(t *testing.T) { testRunLifecycle(t, newBackend) })
	t.Run("ConcurrentClaimRace", func(t *testing.T) { testConcurrentClaimRace(t, newBackend) })
}

const ns = "conformance"

func testEnqueueAndClaimFIFO(t *testing.T, newBackend Factory) {
	b, cleanup := newBackend(t)
	defer cleanup()
	ctx := context.Background()

	firstID, err := b.EnqueueRun(ctx, ns, "wf", json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	secondID, err := b.EnqueueRun(ctx, ns, "wf", json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	claim, err := b.ClaimRun(ctx, ns, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claim)
	require.Equal(t, firstID, claim.Run.ID)

	claim2, err := b.ClaimRun(ctx, ns, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claim2)
	require.Equal(t, secondID, claim2.Run.ID)

	claim3, err := b.ClaimRun(ctx, ns, "worker-1", time.Minute)
	require.NoError(t, err)
	require.Nil(t, claim3)
}

func testClaimExcludesSleepingRuns(t *testing.T, newBackend Factory) {
	b, cleanup := newBackend(t)
	defer cleanup()
	ctx := context.Background()

	runID, err := b.EnqueueRun(ctx, ns, "wf", json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	claim, err := b.ClaimRun(ctx, ns, "worker-1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, runID, claim.Run.ID)

	sleepCtx, _ := json.Marshal(workflow.SleepContext{ResumeAt: time.Now().Add(time.Hour)})
	_, err = b.StartStepAttempt(ctx, ns, runID, "worker-1", "sleep-1", workflow.AttemptSleep, json.RawMessage(`{}`), sleepCtx)
	require.NoError(t, err)
	require.NoError(t, b.ReleaseRun(ctx, ns, runID, "worker-1"))

	claimAgain, err := b.ClaimRun(ctx, ns, "worker-1", time.Minute)
	require.NoError(t, err)
	require.Nil(t, claimAgain, "a run with an unexpired sleep must not be claimable")
}

func testAtMostOneLeaseholder(t *testing.T, newBackend Factory) {
	b, cleanup := newBackend(t)
	defer cleanup()
	ctx := context.Background()

	_, err := b.EnqueueRun(ctx, ns, "wf", json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	claimA, err := b.ClaimRun(ctx, ns, "worker-a", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimA)

	claimB, err := b.ClaimRun(ctx, ns, "worker-b", time.Minute)
	require.NoError(t, err)
	require.Nil(t, claimB, "a leased run must not be claimable by a second worker")
}

func testHeartbeatExtendsLease(t *testing.T, newBackend Factory) {
	b, cleanup := newBackend(t)
	defer cleanup()
	ctx := context.Background()

	runID, err := b.EnqueueRun(ctx, ns, "wf", json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	_, err = b.ClaimRun(ctx, ns, "worker-1", 50*time.Millisecond)
	require.NoError(t, err)

	ok, err := b.Heartbeat(ctx, ns, runID, "worker-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// The original 50ms lease has now passed; only the extension keeps
	// the run from being claimable by another worker.
	time.Sleep(100 * time.Millisecond)
	claim, err := b.ClaimRun(ctx, ns, "worker-2", time.Minute)
	require.NoError(t, err)
	require.Nil(t, claim, "a heartbeat must extend the lease past its original expiry")

	ok, err = b.Heartbeat(ctx, ns, runID, "worker-2", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "heartbeat from a non-owning worker must fail")
}

func testAtMostOneCompletedStepAttempt(t *testing.T, newBackend Factory) {
	b, cleanup := newBackend(t)
	defer cleanup()
	ctx := context.Background()

	runID, err := b.EnqueueRun(ctx, ns, "wf", json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	_, err = b.ClaimRun(ctx, ns, "worker-1", time.Minute)
	require.NoError(t, err)

	attemptID, err := b.StartStepAttempt(ctx, ns, runID, "worker-1", "step-1", workflow.AttemptFunction, json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	require.NoError(t, b.CompleteStepAttempt(ctx, ns, attemptID, "worker-1", json.RawMessage(`{"ok":true}`)))

	_, err = b.StartStepAttempt(ctx, ns, runID, "worker-1", "step-1", workflow.AttemptFunction, json.RawMessage(`{}`), nil)
	require.Error(t, err)
	require.Equal(t, workflow.KindDeterminismViolation, workflow.KindOf(err))
}

func testLeaseLostOnStaleWorker(t *testing.T, newBackend Factory) {
	b, cleanup := newBackend(t)
	defer cleanup()
	ctx := context.Background()

	runID, err := b.EnqueueRun(ctx, ns, "wf", json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	_, err = b.ClaimRun(ctx, ns, "worker-1", time.Minute)
	require.NoError(t, err)

	_, err = b.StartStepAttempt(ctx, ns, runID, "worker-2", "step-1", workflow.AttemptFunction, json.RawMessage(`{}`), nil)
	require.True(t, workflow.IsLeaseLost(err))

	require.NoError(t, b.ReleaseRun(ctx, ns, runID, "worker-1"))
	err = b.MarkRunSucceeded(ctx, ns, runID, "worker-1", json.RawMessage(`{}`))
	require.True(t, workflow.IsLeaseLost(err), "releasing the lease invalidates later completion by the same worker id")
}

func testSweepReclaimsExpiredLeases(t *testing.T, newBackend Factory) {
	b, cleanup := newBackend(t)
	defer cleanup()
	ctx := context.Background()

	runID, err := b.EnqueueRun(ctx, ns, "wf", json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	_, err = b.ClaimRun(ctx, ns, "worker-1", time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	n, err := b.SweepExpiredLeases(ctx, ns, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	claim, err := b.ClaimRun(ctx, ns, "worker-2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claim)
	require.Equal(t, runID, claim.Run.ID)
}

func testRunLifecycle(t *testing.T, newBackend Factory) {
	b, cleanup := newBackend(t)
	defer cleanup()
	ctx := context.Background()

	runID, err := b.EnqueueRun(ctx, ns, "wf", json.RawMessage(`{"x":1}`), nil)
	require.NoError(t, err)

	reader, ok := b.(backend.RunReader)
	require.True(t, ok, "shipped backends must implement RunReader")

	run, err := reader.GetRun(ctx, ns, runID)
	require.NoError(t, err)
	require.Equal(t, workflow.RunPending, run.Status)

	_, err = b.ClaimRun(ctx, ns, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, b.MarkRunSucceeded(ctx, ns, runID, "worker-1", json.RawMessage(`{"y":2}`)))

	run, err = reader.GetRun(ctx, ns, runID)
	require.NoError(t, err)
	require.True(t, run.Status.Terminal())
	require.Equal(t, workflow.RunCompleted, run.Status)
	require.JSONEq(t, `{"y":2}`, string(run.Output))
}

// testConcurrentClaimRace enqueues one run and has N workers race to
// claim it concurrently: exactly one must win, and the rest must see
// ClaimRun return (nil, nil), never an error and never a second claim of
// the same run.
func testConcurrentClaimRace(t *testing.T, newBackend Factory) {
	b, cleanup := newBackend(t)
	defer cleanup()
	ctx := context.Background()

	runID, err := b.EnqueueRun(ctx, ns, "wf", json.RawMessage(`{}`), nil)
	require.NoError(t, err)

	const n = 16
	type outcome struct {
		claim *workflow.Claim
		err   error
	}
	results := make(chan outcome, n)
	for i := 0; i < n; i++ {
		workerID := fmt.Sprintf("racer-%d", i)
		go func(workerID string) {
			claim, err := b.ClaimRun(ctx, ns, workerID, time.Minute)
			results <- outcome{claim: claim, err: err}
		}(workerID)
	}

	winners := 0
	for i := 0; i < n; i++ {
		o := <-results
		require.NoError(t, o.err)
		if o.claim != nil {
			winners++
			require.Equal(t, runID, o.claim.Run.ID)
		}
	}
	require.Equal(t, 1, winners, "exactly one of %d concurrent claimers must win the race", n)
}
