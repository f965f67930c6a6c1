package stepcache

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cedricziel/durableflow/pkg/workflow"
)

func attempt(step string, status workflow.AttemptStatus, output string) workflow.StepAttempt {
	return workflow.StepAttempt{
		StepName: step,
		Status:   status,
		Output:   json.RawMessage(output),
	}
}

func TestNewKeepsOnlyTerminalAttempts(t *testing.T) {
	c := New([]workflow.StepAttempt{
		attempt("a", workflow.AttemptRunning, `null`),
		attempt("b", workflow.AttemptCompleted, `1`),
		attempt("c", workflow.AttemptFailed, `null`),
	})
	assert.Equal(t, 2, c.Len())
	_, ok := c.Lookup("a")
	assert.False(t, ok)
	_, ok = c.Lookup("b")
	assert.True(t, ok)
	_, ok = c.Lookup("c")
	assert.True(t, ok)
}

func TestNewCompletedNeverSuperseded(t *testing.T) {
	c := New([]workflow.StepAttempt{
		attempt("a", workflow.AttemptCompleted, `"first"`),
		attempt("a", workflow.AttemptFailed, `null`),
	})
	entry, ok := c.Lookup("a")
	assert.True(t, ok)
	assert.Equal(t, workflow.AttemptCompleted, entry.Status)
	assert.JSONEq(t, `"first"`, string(entry.Output))
}

func TestNewNormalizesLegacySucceeded(t *testing.T) {
	c := New([]workflow.StepAttempt{
		attempt("a", "succeeded", `1`),
	})
	entry, ok := c.Lookup("a")
	assert.True(t, ok)
	assert.Equal(t, workflow.AttemptCompleted, entry.Status)
}

func TestWithIsImmutable(t *testing.T) {
	base := New(nil)
	next := base.With("a", Entry{Status: workflow.AttemptCompleted, Output: json.RawMessage(`1`)})

	assert.Equal(t, 0, base.Len())
	assert.Equal(t, 1, next.Len())

	_, ok := base.Lookup("a")
	assert.False(t, ok)
	entry, ok := next.Lookup("a")
	assert.True(t, ok)
	assert.JSONEq(t, `1`, string(entry.Output))
}

func TestWithPreservesOtherEntries(t *testing.T) {
	base := New([]workflow.StepAttempt{attempt("a", workflow.AttemptCompleted, `1`)})
	next := base.With("b", Entry{Status: workflow.AttemptCompleted, Output: json.RawMessage(`2`)})

	assert.Equal(t, 2, next.Len())
	_, ok := next.Lookup("a")
	assert.True(t, ok)
	_, ok = next.Lookup("b")
	assert.True(t, ok)
}
