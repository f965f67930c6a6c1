// Package backend defines the durable-storage contract that the workflow
// runtime and worker depend on: atomic claim/lease/complete operations
// over WorkflowRun and StepAttempt records. Conforming implementations
// live in sibling packages (postgres, sqlite) and are exercised by the
// shared conformance suite in backend/conformance.
package backend

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cedricziel/durableflow/pkg/workflow"
)

// Backend is the narrow transactional contract every storage
// implementation must satisfy. All operations are scoped to a namespace;
// namespaceID is threaded explicitly rather than carried on the Backend
// value so one Backend can serve many namespaces.
type Backend interface {
	// EnqueueRun inserts a new pending run with a fresh id. Atomic.
	EnqueueRun(ctx context.Context, namespaceID, workflowName string, input json.RawMessage, parentRunID *string) (runID string, err error)

	// ClaimRun atomically selects the oldest runnable run (FIFO by
	// createdAt, runID tiebreak), transitions it to running, and returns
	// its attempt history. Returns (nil, nil) when nothing is runnable.
	ClaimRun(ctx context.Context, namespaceID, workerID string, leaseDuration time.Duration) (*workflow.Claim, error)

	// Heartbeat extends the lease iff still held by workerID and not
	// expired. Returns ok=false (lease lost, with a nil error) if the
	// lease was stolen, has expired, or the run is terminal.
	Heartbeat(ctx context.Context, namespaceID, runID, workerID string, leaseDuration time.Duration) (ok bool, err error)

	// ReleaseRun clears the lease and returns the run to pending. The
	// worker calls it on a sleep yield; worker shutdown does not call it.
	ReleaseRun(ctx context.Context, namespaceID, runID, workerID string) error

	// ListAttempts returns all attempts for a run, ordered by
	// (stepName, attemptNumber).
	ListAttempts(ctx context.Context, namespaceID, runID string) ([]workflow.StepAttempt, error)

	// StartStepAttempt appends a running attempt. Fails with
	// DeterminismViolation if a completed attempt already exists for
	// (runID, stepName), and with LeaseLost if the lease is not held.
	StartStepAttempt(ctx context.Context, namespaceID, runID, workerID, stepName string, kind workflow.AttemptKind, config, attemptContext json.RawMessage) (attemptID string, err error)

	// CompleteStepAttempt transitions an attempt running -> completed.
	CompleteStepAttempt(ctx context.Context, namespaceID, attemptID, workerID string, output json.RawMessage) error

	// FailStepAttempt transitions an attempt running -> failed.
	FailStepAttempt(ctx context.Context, namespaceID, attemptID, workerID string, stepErr json.RawMessage) error

	// MarkRunSucceeded transitions a run to its completed terminal state.
	MarkRunSucceeded(ctx context.Context, namespaceID, runID, workerID string, output json.RawMessage) error

	// MarkRunFailed transitions a run to its failed terminal state.
	MarkRunFailed(ctx context.Context, namespaceID, runID, workerID string, runErr json.RawMessage) error

	// SweepExpiredLeases returns expired running runs to pending, clearing
	// workerID and leaseExpiresAt. Returns the number reclaimed.
	SweepExpiredLeases(ctx context.Context, namespaceID string, now time.Time) (int, error)

	// WaitForChange blocks until new runnable work may be available in
	// the namespace, the nearest sleep resumeAt elapses, or timeout
	// passes, returning an opaque cursor. The contract is only the
	// wakeup; the returned token carries no payload guarantee.
	WaitForChange(ctx context.Context, namespaceID string, since string, timeout time.Duration) (token string, err error)
}

// GetRun fetches a single run by id, used by Handle.Result polling and by
// tests. Implemented as part of the Backend contract via a narrower
// interface so stores that only need the core twelve ops above stay
// minimal; all shipped backends implement it.
type RunReader interface {
	GetRun(ctx context.Context, namespaceID, runID string) (*workflow.WorkflowRun, error)
}
