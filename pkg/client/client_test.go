package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cedricziel/durableflow/internal/testutil"
	"github.com/cedricziel/durableflow/pkg/runtime"
	"github.com/cedricziel/durableflow/pkg/workflow"
)

const ns = "client-test"

func echoFunc(ctx context.Context, input json.RawMessage, step *runtime.Step) (any, error) {
	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func TestDefineRejectsDuplicateName(t *testing.T) {
	c := New(ns, testutil.NewMemoryBackend())
	require.NoError(t, c.Define("echo", echoFunc, nil))
	err := c.Define("echo", echoFunc, nil)
	require.Error(t, err)
	assert.Equal(t, workflow.KindValidation, workflow.KindOf(err))
}

func TestRunUnknownWorkflow(t *testing.T) {
	c := New(ns, testutil.NewMemoryBackend())
	_, err := c.Run(context.Background(), "missing", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, workflow.KindValidation, workflow.KindOf(err))
}

type rejectingValidator struct{}

func (rejectingValidator) Validate(json.RawMessage) error { return errors.New("nope") }

func TestRunValidatesInputBeforeEnqueue(t *testing.T) {
	b := testutil.NewMemoryBackend()
	c := New(ns, b)
	require.NoError(t, c.Define("echo", echoFunc, rejectingValidator{}))

	_, err := c.Run(context.Background(), "echo", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, workflow.KindValidation, workflow.KindOf(err))
}

func TestRunEnqueuesAndHandleResultPolls(t *testing.T) {
	b := testutil.NewMemoryBackend()
	c := New(ns, b)
	require.NoError(t, c.Define("echo", echoFunc, nil))

	handle, err := c.Run(context.Background(), "echo", json.RawMessage(`{"hello":"world"}`))
	require.NoError(t, err)
	require.NotEmpty(t, handle.ID())

	// Drive the run to completion the way a worker would, without
	// pulling in pkg/worker as a test dependency.
	claim, err := b.ClaimRun(context.Background(), ns, "worker-1", 0)
	require.NoError(t, err)
	require.NotNil(t, claim)
	result := runtime.Execute(context.Background(), b, ns, claim.Run.ID, "worker-1", claim.Run.Input, claim.Attempts, echoFunc)
	require.Equal(t, runtime.OutcomeCompleted, result.Outcome)
	require.NoError(t, b.MarkRunSucceeded(context.Background(), ns, claim.Run.ID, "worker-1", result.Output))

	output, err := handle.Result(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":"world"}`, string(output))
}

func TestHandleResultReturnsFailure(t *testing.T) {
	b := testutil.NewMemoryBackend()
	c := New(ns, b)
	require.NoError(t, c.Define("echo", echoFunc, nil))

	handle, err := c.Run(context.Background(), "echo", json.RawMessage(`{}`))
	require.NoError(t, err)

	claim, err := b.ClaimRun(context.Background(), ns, "worker-1", 0)
	require.NoError(t, err)
	require.NoError(t, b.MarkRunFailed(context.Background(), ns, claim.Run.ID, "worker-1", workflow.SerializeError(errors.New("bad input"))))

	_, err = handle.Result(context.Background())
	require.Error(t, err)
	assert.Equal(t, workflow.KindStepFailed, workflow.KindOf(err))
}

func TestRunChildSetsParentRunID(t *testing.T) {
	b := testutil.NewMemoryBackend()
	c := New(ns, b)
	require.NoError(t, c.Define("echo", echoFunc, nil))

	parent, err := c.Run(context.Background(), "echo", json.RawMessage(`{}`))
	require.NoError(t, err)

	child, err := c.RunChild(context.Background(), parent.ID(), "echo", json.RawMessage(`{}`))
	require.NoError(t, err)

	run, err := b.GetRun(context.Background(), ns, child.ID())
	require.NoError(t, err)
	require.NotNil(t, run.ParentRunID)
	assert.Equal(t, parent.ID(), *run.ParentRunID)
}
