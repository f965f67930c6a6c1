package workflow

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorUnwrap(t *testing.T) {
	cause := sql.ErrNoRows
	err := NewError(KindBackendTransient, "query failed", cause)
	assert.True(t, errors.Is(err, sql.ErrNoRows))
	assert.Equal(t, KindBackendTransient, KindOf(err))
}

func TestKindOfNonWorkflowError(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
}

func TestIsLeaseLost(t *testing.T) {
	assert.True(t, IsLeaseLost(ErrLeaseLost))
	assert.False(t, IsLeaseLost(NewError(KindStepFailed, "boom", nil)))
	assert.False(t, IsLeaseLost(errors.New("plain")))
}

func TestIsBackendTransient(t *testing.T) {
	assert.True(t, IsBackendTransient(NewError(KindBackendTransient, "retry me", nil)))
	assert.False(t, IsBackendTransient(NewError(KindBackendFatal, "no retry", nil)))
}

func TestSerializeDeserializeErrorRoundTrip(t *testing.T) {
	orig := NewError(KindStepFailed, "step exploded", nil)
	raw := SerializeError(orig)

	se, err := DeserializeError(raw)
	require.NoError(t, err)
	assert.Equal(t, string(KindStepFailed), se.Name)
	assert.Equal(t, "step exploded", se.Message)
}

func TestSerializeErrorPlainError(t *testing.T) {
	raw := SerializeError(errors.New("boom"))
	se, err := DeserializeError(raw)
	require.NoError(t, err)
	assert.Empty(t, se.Name)
	assert.Equal(t, "boom", se.Message)
}

func TestSerializeErrorNil(t *testing.T) {
	assert.Nil(t, SerializeError(nil))
}

func TestDeserializeErrorEmpty(t *testing.T) {
	se, err := DeserializeError(nil)
	require.NoError(t, err)
	assert.Equal(t, SerializedError{}, se)
}

func TestNormalizeAttemptStatus(t *testing.T) {
	assert.Equal(t, AttemptCompleted, NormalizeAttemptStatus(attemptSucceededLegacy))
	assert.Equal(t, AttemptCompleted, NormalizeAttemptStatus(AttemptCompleted))
	assert.Equal(t, AttemptFailed, NormalizeAttemptStatus(AttemptFailed))
	assert.Equal(t, AttemptRunning, NormalizeAttemptStatus(AttemptRunning))
}

func TestRunStatusTerminal(t *testing.T) {
	assert.True(t, RunCompleted.Terminal())
	assert.True(t, RunFailed.Terminal())
	assert.False(t, RunPending.Terminal())
	assert.False(t, RunRunning.Terminal())
}
