// Package runtime executes a user workflow procedure against a step
// facade that memoises each call against a backend.Backend, making
// re-execution after a crash or a sleep checkpoint produce identical
// results without repeating side effects.
package runtime

import (
	"context"
	"encoding/json"

	"github.com/cedricziel/durableflow/pkg/backend"
	"github.com/cedricziel/durableflow/pkg/stepcache"
	"github.com/cedricziel/durableflow/pkg/workflow"
)

// Func is the shape of a registered workflow procedure: it receives
// the run's input and a Step facade, and returns a JSON-serialisable
// result or an error.
type Func func(ctx context.Context, input json.RawMessage, step *Step) (any, error)

// Outcome describes how one Execute call ended.
type Outcome int

const (
	// OutcomeCompleted means the procedure returned normally; Output
	// holds its normalised result.
	OutcomeCompleted Outcome = iota
	// OutcomeFailed means the procedure returned an error that was not
	// a sleep yield; Err holds the failure.
	OutcomeFailed
	// OutcomeSleeping means the procedure yielded on step.Sleep; the
	// caller must release the lease without marking the run terminal.
	OutcomeSleeping
)

// Result is the outcome of one Execute call.
type Result struct {
	Outcome Outcome
	Output  json.RawMessage
	Err     error
}

// Execute builds a step cache from attempts, invokes fn, and reports
// how the invocation ended. It never itself calls MarkRunSucceeded/
// MarkRunFailed/ReleaseRun; the worker interprets Result and performs
// those backend calls, since Execute does not know the caller's
// retry/backoff policy for BackendTransient errors encountered along
// the way.
func Execute(ctx context.Context, b backend.Backend, namespaceID, runID, workerID string, input json.RawMessage, attempts []workflow.StepAttempt, fn Func) Result {
	cache := stepcache.New(attempts)
	step := newStep(ctx, b, namespaceID, runID, workerID, cache)

	output, err := fn(ctx, input, step)
	if err == nil {
		normalized, normErr := normalize(output)
		if normErr != nil {
			return Result{Outcome: OutcomeFailed, Err: workflow.NewError(workflow.KindStepFailed, normErr.Error(), normErr)}
		}
		return Result{Outcome: OutcomeCompleted, Output: normalized}
	}

	if IsSleeping(err) {
		return Result{Outcome: OutcomeSleeping, Err: err}
	}
	if workflow.IsLeaseLost(err) {
		return Result{Outcome: OutcomeFailed, Err: err}
	}
	return Result{Outcome: OutcomeFailed, Err: err}
}
