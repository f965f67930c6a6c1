// Package clock re-exports facebookgo/clock's Clock interface so the
// worker's heartbeat and sweep tickers can be driven by a fake clock in
// tests, the way temporalio-go-sdk's workflow test suite drives
// simulated time.
package clock

import "github.com/facebookgo/clock"

// Clock abstracts time.Now/time.After/time.NewTimer for deterministic
// tests of the worker's heartbeat and sweep cadence. pkg/runtime's
// sleep-resume check is not wired through this seam — it compares
// against wall-clock time.Now() directly, since resumption is decided
// by a persisted resumeAt timestamp rather than by elapsed ticks; tests
// simulate elapsed sleep by rewriting that timestamp into the past
// instead (see internal/testutil.SetSleepResumeAtPast).
type Clock = clock.Clock

// Mock is a fake Clock whose time only advances when Add is called.
type Mock = clock.Mock

// New returns the real wall clock.
func New() Clock { return clock.New() }

// NewMock returns a fake clock fixed at the Unix epoch.
func NewMock() *Mock { return clock.NewMock() }
