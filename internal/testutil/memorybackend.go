package testutil

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cedricziel/durableflow/pkg/backend"
	"github.com/cedricziel/durableflow/pkg/workflow"
)

// MemoryBackend is an in-process backend.Backend used by unit tests that
// exercise pkg/runtime, pkg/client, and pkg/worker without a real
// database. It implements the same claim/lease/attempt semantics as the
// shipped backends, just over plain maps guarded by one mutex, trading
// concurrency for being trivially embeddable in a single test process.
type MemoryBackend struct {
	mu       sync.Mutex
	runs     map[string]*workflow.WorkflowRun
	attempts map[string][]*workflow.StepAttempt
	cond     *sync.Cond
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	b := &MemoryBackend{
		runs:     make(map[string]*workflow.WorkflowRun),
		attempts: make(map[string][]*workflow.StepAttempt),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

var _ backend.Backend = (*MemoryBackend)(nil)
var _ backend.RunReader = (*MemoryBackend)(nil)

func (b *MemoryBackend) EnqueueRun(ctx context.Context, namespaceID, workflowName string, input json.RawMessage, parentRunID *string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.NewString()
	now := time.Now().UTC()
	b.runs[key(namespaceID, id)] = &workflow.WorkflowRun{
		NamespaceID:  namespaceID,
		ID:           id,
		WorkflowName: workflowName,
		Input:        input,
		Status:       workflow.RunPending,
		ParentRunID:  parentRunID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	b.cond.Broadcast()
	return id, nil
}

func (b *MemoryBackend) ClaimRun(ctx context.Context, namespaceID, workerID string, leaseDuration time.Duration) (*workflow.Claim, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	var candidates []*workflow.WorkflowRun
	for _, r := range b.runs {
		if r.NamespaceID != namespaceID {
			continue
		}
		runnable := r.Status == workflow.RunPending ||
			(r.Status == workflow.RunRunning && r.LeaseExpiresAt != nil && !r.LeaseExpiresAt.After(now))
		if !runnable {
			continue
		}
		if b.hasPendingSleep(r.ID) {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	run := candidates[0]
	now = time.Now().UTC()
	expires := now.Add(leaseDuration)
	run.Status = workflow.RunRunning
	worker := workerID
	run.WorkerID = &worker
	run.LeaseExpiresAt = &expires
	if run.StartedAt == nil {
		run.StartedAt = &now
	}
	run.UpdatedAt = now

	return &workflow.Claim{Run: *run, Attempts: b.attemptsLocked(run.ID)}, nil
}

// hasPendingSleep reports whether runID has a running sleep attempt whose
// resumeAt has not yet elapsed, mirroring the shipped backends' claim
// exclusion for sleeping runs.
func (b *MemoryBackend) hasPendingSleep(runID string) bool {
	for _, a := range b.attempts[runID] {
		if a.Kind != workflow.AttemptSleep || a.Status != workflow.AttemptRunning {
			continue
		}
		var sc workflow.SleepContext
		if json.Unmarshal(a.Context, &sc) != nil {
			continue
		}
		if time.Now().UTC().Before(sc.ResumeAt) {
			return true
		}
	}
	return false
}

func (b *MemoryBackend) Heartbeat(ctx context.Context, namespaceID, runID, workerID string, leaseDuration time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	run, ok := b.runs[key(namespaceID, runID)]
	if !ok || run.Status != workflow.RunRunning || run.WorkerID == nil || *run.WorkerID != workerID {
		return false, nil
	}
	now := time.Now().UTC()
	if run.LeaseExpiresAt == nil || !run.LeaseExpiresAt.After(now) {
		return false, nil
	}
	expires := now.Add(leaseDuration)
	run.LeaseExpiresAt = &expires
	return true, nil
}

func (b *MemoryBackend) ReleaseRun(ctx context.Context, namespaceID, runID, workerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	run, ok := b.runs[key(namespaceID, runID)]
	if !ok {
		return workflow.NewError(workflow.KindValidation, "run not found", nil)
	}
	if run.WorkerID == nil || *run.WorkerID != workerID {
		return workflow.ErrLeaseLost
	}
	run.Status = workflow.RunPending
	run.WorkerID = nil
	run.LeaseExpiresAt = nil
	b.cond.Broadcast()
	return nil
}

func (b *MemoryBackend) ListAttempts(ctx context.Context, namespaceID, runID string) ([]workflow.StepAttempt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attemptsLocked(runID), nil
}

func (b *MemoryBackend) attemptsLocked(runID string) []workflow.StepAttempt {
	src := b.attempts[runID]
	out := make([]workflow.StepAttempt, len(src))
	for i, a := range src {
		out[i] = *a
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StepName == out[j].StepName {
			return out[i].AttemptNumber < out[j].AttemptNumber
		}
		return out[i].StepName < out[j].StepName
	})
	return out
}

func (b *MemoryBackend) StartStepAttempt(ctx context.Context, namespaceID, runID, workerID, stepName string, kind workflow.AttemptKind, config, attemptContext json.RawMessage) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	run, ok := b.runs[key(namespaceID, runID)]
	if !ok {
		return "", workflow.NewError(workflow.KindValidation, "run not found", nil)
	}
	if run.WorkerID == nil || *run.WorkerID != workerID {
		return "", workflow.ErrLeaseLost
	}
	maxAttempt := 0
	for _, a := range b.attempts[runID] {
		if a.StepName == stepName {
			if a.Status == workflow.AttemptCompleted {
				return "", workflow.NewError(workflow.KindDeterminismViolation, "step already completed", nil)
			}
			if a.AttemptNumber > maxAttempt {
				maxAttempt = a.AttemptNumber
			}
		}
	}
	now := time.Now().UTC()
	a := &workflow.StepAttempt{
		NamespaceID:   namespaceID,
		ID:            uuid.NewString(),
		WorkflowRunID: runID,
		StepName:      stepName,
		AttemptNumber: maxAttempt + 1,
		Kind:          kind,
		Status:        workflow.AttemptRunning,
		Config:        config,
		Context:       attemptContext,
		StartedAt:     &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	b.attempts[runID] = append(b.attempts[runID], a)
	return a.ID, nil
}

func (b *MemoryBackend) findAttempt(attemptID string) *workflow.StepAttempt {
	for _, attempts := range b.attempts {
		for _, a := range attempts {
			if a.ID == attemptID {
				return a
			}
		}
	}
	return nil
}

func (b *MemoryBackend) CompleteStepAttempt(ctx context.Context, namespaceID, attemptID, workerID string, output json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.findAttempt(attemptID)
	if a == nil {
		return workflow.NewError(workflow.KindValidation, "attempt not found", nil)
	}
	run := b.runs[key(namespaceID, a.WorkflowRunID)]
	if run == nil || run.WorkerID == nil || *run.WorkerID != workerID || run.Status != workflow.RunRunning {
		return workflow.ErrLeaseLost
	}
	now := time.Now().UTC()
	a.Status = workflow.AttemptCompleted
	a.Output = output
	a.FinishedAt = &now
	a.UpdatedAt = now
	return nil
}

func (b *MemoryBackend) FailStepAttempt(ctx context.Context, namespaceID, attemptID, workerID string, stepErr json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := b.findAttempt(attemptID)
	if a == nil {
		return workflow.NewError(workflow.KindValidation, "attempt not found", nil)
	}
	run := b.runs[key(namespaceID, a.WorkflowRunID)]
	if run == nil || run.WorkerID == nil || *run.WorkerID != workerID || run.Status != workflow.RunRunning {
		return workflow.ErrLeaseLost
	}
	now := time.Now().UTC()
	a.Status = workflow.AttemptFailed
	a.Error = stepErr
	a.FinishedAt = &now
	a.UpdatedAt = now
	return nil
}

func (b *MemoryBackend) MarkRunSucceeded(ctx context.Context, namespaceID, runID, workerID string, output json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	run, ok := b.runs[key(namespaceID, runID)]
	if !ok {
		return workflow.NewError(workflow.KindValidation, "run not found", nil)
	}
	if run.WorkerID == nil || *run.WorkerID != workerID {
		return workflow.ErrLeaseLost
	}
	now := time.Now().UTC()
	run.Status = workflow.RunCompleted
	run.Output = output
	run.WorkerID = nil
	run.LeaseExpiresAt = nil
	run.FinishedAt = &now
	run.UpdatedAt = now
	b.cond.Broadcast()
	return nil
}

func (b *MemoryBackend) MarkRunFailed(ctx context.Context, namespaceID, runID, workerID string, runErr json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	run, ok := b.runs[key(namespaceID, runID)]
	if !ok {
		return workflow.NewError(workflow.KindValidation, "run not found", nil)
	}
	if run.WorkerID == nil || *run.WorkerID != workerID {
		return workflow.ErrLeaseLost
	}
	now := time.Now().UTC()
	run.Status = workflow.RunFailed
	run.Error = runErr
	run.WorkerID = nil
	run.LeaseExpiresAt = nil
	run.FinishedAt = &now
	run.UpdatedAt = now
	b.cond.Broadcast()
	return nil
}

func (b *MemoryBackend) SweepExpiredLeases(ctx context.Context, namespaceID string, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, r := range b.runs {
		if r.NamespaceID != namespaceID || r.Status != workflow.RunRunning {
			continue
		}
		if r.LeaseExpiresAt != nil && !r.LeaseExpiresAt.After(now) {
			r.Status = workflow.RunPending
			r.WorkerID = nil
			r.LeaseExpiresAt = nil
			n++
		}
	}
	if n > 0 {
		b.cond.Broadcast()
	}
	return n, nil
}

func (b *MemoryBackend) WaitForChange(ctx context.Context, namespaceID, since string, timeout time.Duration) (string, error) {
	done := make(chan struct{})
	go func() {
		b.mu.Lock()
		b.cond.Wait()
		b.mu.Unlock()
		close(done)
	}()
	select {
	case <-ctx.Done():
		b.cond.Broadcast()
		return "", ctx.Err()
	case <-time.After(timeout):
		b.cond.Broadcast()
		return "", nil
	case <-done:
		return "", nil
	}
}

func (b *MemoryBackend) GetRun(ctx context.Context, namespaceID, runID string) (*workflow.WorkflowRun, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	run, ok := b.runs[key(namespaceID, runID)]
	if !ok {
		return nil, nil
	}
	cp := *run
	return &cp, nil
}

func key(namespaceID, runID string) string { return namespaceID + "/" + runID }

// SetSleepResumeAtPast rewrites a running sleep attempt's resumeAt to the
// past, letting tests simulate elapsed real time without actually
// sleeping or threading a fake clock through MemoryBackend.
func SetSleepResumeAtPast(b *MemoryBackend, runID, stepName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, a := range b.attempts[runID] {
		if a.StepName == stepName && a.Kind == workflow.AttemptSleep {
			raw, _ := json.Marshal(workflow.SleepContext{ResumeAt: time.Now().UTC().Add(-time.Minute)})
			a.Context = raw
		}
	}
}
