package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cedricziel/durableflow/pkg/backend"
	"github.com/cedricziel/durableflow/pkg/stepcache"
	"github.com/cedricziel/durableflow/pkg/workflow"
)

// Step is the facade a workflow procedure drives non-determinism
// through. Every call is memoised by name against the run's step
// cache; a name reused within one execution is a determinism
// violation, and a call made while another is still in flight is
// rejected for the same reason (the contract forbids intra-run
// parallelism).
type Step struct {
	ctx         context.Context
	backend     backend.Backend
	namespaceID string
	runID       string
	workerID    string

	mu      sync.Mutex
	cache   *stepcache.Cache
	seen    map[string]struct{}
	running bool
}

func newStep(ctx context.Context, b backend.Backend, namespaceID, runID, workerID string, cache *stepcache.Cache) *Step {
	return &Step{
		ctx:         ctx,
		backend:     b,
		namespaceID: namespaceID,
		runID:       runID,
		workerID:    workerID,
		cache:       cache,
		seen:        make(map[string]struct{}),
	}
}

func (s *Step) enter(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return workflow.NewError(workflow.KindDeterminismViolation, "overlapping step call while another is in flight", nil)
	}
	if _, ok := s.seen[name]; ok {
		return workflow.NewError(workflow.KindDeterminismViolation, fmt.Sprintf("step name %q reused within one execution", name), nil)
	}
	s.seen[name] = struct{}{}
	s.running = true
	return nil
}

func (s *Step) leave() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Run returns the memoised result of fn under name, invoking fn only
// on cache miss.
func (s *Step) Run(name string, fn func(ctx context.Context) (any, error)) (json.RawMessage, error) {
	if err := s.enter(name); err != nil {
		return nil, err
	}
	defer s.leave()

	if entry, ok := s.cache.Lookup(name); ok {
		if entry.Status == workflow.AttemptCompleted {
			return entry.Output, nil
		}
		// A previously failed attempt for this step name means the run
		// already failed and should never replay past it; surfacing the
		// original error keeps replay deterministic.
		msg := fmt.Sprintf("step %q previously failed", name)
		if se, err := workflow.DeserializeError(entry.Error); err == nil && se.Message != "" {
			msg = se.Message
		}
		return nil, workflow.NewError(workflow.KindStepFailed, msg, nil)
	}

	attemptID, err := s.backend.StartStepAttempt(s.ctx, s.namespaceID, s.runID, s.workerID, name, workflow.AttemptFunction, json.RawMessage(`{}`), nil)
	if err != nil {
		return nil, err
	}

	result, fnErr := fn(s.ctx)
	if fnErr != nil {
		serialized := workflow.SerializeError(fnErr)
		if err := s.backend.FailStepAttempt(s.ctx, s.namespaceID, attemptID, s.workerID, serialized); err != nil {
			return nil, err
		}
		s.cache = s.cache.With(name, stepcache.Entry{Status: workflow.AttemptFailed, Error: serialized})
		return nil, workflow.NewError(workflow.KindStepFailed, fnErr.Error(), fnErr)
	}

	output, err := normalize(result)
	if err != nil {
		serialized := workflow.SerializeError(err)
		if failErr := s.backend.FailStepAttempt(s.ctx, s.namespaceID, attemptID, s.workerID, serialized); failErr != nil {
			return nil, failErr
		}
		return nil, workflow.NewError(workflow.KindStepFailed, err.Error(), err)
	}

	if err := s.backend.CompleteStepAttempt(s.ctx, s.namespaceID, attemptID, s.workerID, output); err != nil {
		return nil, err
	}
	s.cache = s.cache.With(name, stepcache.Entry{Status: workflow.AttemptCompleted, Output: output})
	return output, nil
}

// Sleep suspends the run for duration, memoised by name. The first
// call creates a running sleep attempt and yields; once resumeAt has
// elapsed, a later replay finds the attempt already elapsed, marks it
// completed, and returns without suspending again.
func (s *Step) Sleep(name string, duration time.Duration) error {
	if err := s.enter(name); err != nil {
		return err
	}
	defer s.leave()

	if entry, ok := s.cache.Lookup(name); ok {
		if entry.Status == workflow.AttemptCompleted {
			return nil
		}
	}

	attempts, err := s.backend.ListAttempts(s.ctx, s.namespaceID, s.runID)
	if err != nil {
		return err
	}
	var existing *workflow.StepAttempt
	for i := range attempts {
		if attempts[i].StepName == name && attempts[i].Kind == workflow.AttemptSleep {
			existing = &attempts[i]
			break
		}
	}

	if existing == nil {
		resumeAt := time.Now().UTC().Add(duration)
		attemptContext, _ := json.Marshal(workflow.SleepContext{ResumeAt: resumeAt})
		attemptID, err := s.backend.StartStepAttempt(s.ctx, s.namespaceID, s.runID, s.workerID, name, workflow.AttemptSleep, json.RawMessage(`{}`), attemptContext)
		if err != nil {
			return err
		}
		existing = &workflow.StepAttempt{ID: attemptID, Context: attemptContext}
	}

	var sleepCtx workflow.SleepContext
	if err := json.Unmarshal(existing.Context, &sleepCtx); err != nil {
		return workflow.NewError(workflow.KindDeterminismViolation, "malformed sleep context", err)
	}

	if time.Now().UTC().Before(sleepCtx.ResumeAt) {
		return newSleepSignal(name)
	}

	if err := s.backend.CompleteStepAttempt(s.ctx, s.namespaceID, existing.ID, s.workerID, json.RawMessage(`null`)); err != nil {
		return err
	}
	s.cache = s.cache.With(name, stepcache.Entry{Status: workflow.AttemptCompleted, Output: json.RawMessage(`null`)})
	return nil
}

// normalize converts a step function's return value to JSON, treating
// nil as JSON null.
func normalize(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage(`null`), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("step result not JSON-serialisable: %w", err)
	}
	return b, nil
}
