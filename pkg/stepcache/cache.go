// Package stepcache holds the per-run memoization table that lets a
// workflow function be replayed deterministically: every completed
// step attempt is looked up by name before the user function's step
// body runs again, so a step that already produced a result is never
// re-executed.
package stepcache

import (
	"encoding/json"

	"github.com/cedricziel/durableflow/pkg/workflow"
)

// Entry is one memoized step result.
type Entry struct {
	Status workflow.AttemptStatus
	Output json.RawMessage
	Error  json.RawMessage
}

// Cache is an immutable snapshot of a run's completed and failed step
// attempts, keyed by step name. Replaying a run rebuilds a Cache from
// Backend.ListAttempts before invoking the workflow function, and never
// mutates it in place: each write to the underlying store produces a
// new Cache via With, so concurrent readers never observe a partial
// update.
type Cache struct {
	entries map[string]Entry
}

// New builds a Cache from a run's current attempt history. Running
// attempts are skipped; per step name the last terminal attempt in
// the given order is kept, except that a completed attempt is never
// replaced by a later one. A step retried after failure and later
// completed ends up with just its completed entry.
func New(attempts []workflow.StepAttempt) *Cache {
	c := &Cache{entries: make(map[string]Entry, len(attempts))}
	for _, a := range attempts {
		status := workflow.NormalizeAttemptStatus(a.Status)
		if status != workflow.AttemptCompleted && status != workflow.AttemptFailed {
			continue
		}
		existing, ok := c.entries[a.StepName]
		if ok && existing.Status == workflow.AttemptCompleted {
			continue // a completed attempt is never superseded
		}
		c.entries[a.StepName] = Entry{Status: status, Output: a.Output, Error: a.Error}
	}
	return c
}

// Lookup returns the memoized result for stepName, if any.
func (c *Cache) Lookup(stepName string) (Entry, bool) {
	e, ok := c.entries[stepName]
	return e, ok
}

// With returns a new Cache with stepName's entry set, leaving the
// receiver untouched.
func (c *Cache) With(stepName string, entry Entry) *Cache {
	next := make(map[string]Entry, len(c.entries)+1)
	for k, v := range c.entries {
		next[k] = v
	}
	next[stepName] = entry
	return &Cache{entries: next}
}

// Len reports the number of memoized steps.
func (c *Cache) Len() int { return len(c.entries) }
