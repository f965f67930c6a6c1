package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cedricziel/durableflow/pkg/backend"
	"github.com/cedricziel/durableflow/pkg/workflow"
)

// Handle is returned by Client.Run; Result polls the backend until the
// run reaches a terminal state.
type Handle struct {
	id          string
	namespaceID string
	backend     backend.Backend
}

// ID returns the enqueued run's id.
func (h *Handle) ID() string { return h.id }

// Result blocks until the run completes or fails, or ctx is done. It
// polls GetRun with workflow.ComputeDelay over DefaultBackoffPolicy
// (one second, doubling, capped at five minutes), rather than a
// separate ad hoc loop.
func (h *Handle) Result(ctx context.Context) (json.RawMessage, error) {
	reader, ok := h.backend.(backend.RunReader)
	if !ok {
		return nil, workflow.NewError(workflow.KindBackendFatal, "backend does not support polling reads", nil)
	}

	policy := workflow.DefaultBackoffPolicy()
	attempt := 1
	for {
		run, err := reader.GetRun(ctx, h.namespaceID, h.id)
		if err != nil {
			return nil, err
		}
		if run == nil {
			return nil, workflow.NewError(workflow.KindValidation, "run not found", nil)
		}
		if run.Status.Terminal() {
			if run.Status == workflow.RunFailed {
				return nil, deserializeRunError(run.Error)
			}
			return run.Output, nil
		}

		delay := workflow.ComputeDelay(policy, attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		attempt++
	}
}

func deserializeRunError(raw json.RawMessage) error {
	serialized, err := workflow.DeserializeError(raw)
	if err != nil {
		return workflow.NewError(workflow.KindStepFailed, "run failed", nil)
	}
	return workflow.NewError(workflow.KindStepFailed, serialized.Message, nil)
}
