// Package workflow holds the data model shared by the backend, runtime,
// and worker: run and step-attempt records, status lattices, backoff
// policies, and duration parsing.
package workflow

import (
	"encoding/json"
	"time"
)

// RunStatus is the status lattice of a WorkflowRun: pending -> running ->
// {completed, failed}. Terminal states are immutable.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// AttemptKind distinguishes a step.run attempt from a step.sleep attempt.
type AttemptKind string

const (
	AttemptFunction AttemptKind = "function"
	AttemptSleep    AttemptKind = "sleep"
)

// AttemptStatus is the status of a single StepAttempt. "succeeded" is a
// legacy alias some backends may still carry in historical rows; readers
// must treat it as equivalent to "completed". Writers only ever emit
// AttemptCompleted.
type AttemptStatus string

const (
	AttemptRunning   AttemptStatus = "running"
	AttemptCompleted AttemptStatus = "completed"
	AttemptFailed    AttemptStatus = "failed"

	// attemptSucceededLegacy is the historical spelling observed in older
	// rows. Normalize on read via NormalizeAttemptStatus.
	attemptSucceededLegacy AttemptStatus = "succeeded"
)

// NormalizeAttemptStatus maps the legacy "succeeded" spelling onto
// "completed" so callers never need to special-case it.
func NormalizeAttemptStatus(s AttemptStatus) AttemptStatus {
	if s == attemptSucceededLegacy {
		return AttemptCompleted
	}
	return s
}

// WorkflowRun is one invocation of a named workflow, scoped to a namespace.
type WorkflowRun struct {
	NamespaceID    string
	ID             string
	WorkflowName   string
	Input          json.RawMessage
	Status         RunStatus
	Output         json.RawMessage
	Error          json.RawMessage
	WorkerID       *string
	LeaseExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	ParentRunID    *string
}

// StepAttempt is one execution of one step within a run.
type StepAttempt struct {
	NamespaceID       string
	ID                string
	WorkflowRunID     string
	StepName          string
	AttemptNumber     int
	Kind              AttemptKind
	Status            AttemptStatus
	Config            json.RawMessage
	Context           json.RawMessage
	Output            json.RawMessage
	Error             json.RawMessage
	ChildWorkflowRunID *string
	StartedAt         *time.Time
	FinishedAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SleepContext is the shape of StepAttempt.Context for AttemptSleep attempts.
type SleepContext struct {
	ResumeAt time.Time `json:"resumeAt"`
}

// Claim is the payload claimRun returns on success: the run plus its full
// attempt history, ready to seed a step cache.
type Claim struct {
	Run      WorkflowRun
	Attempts []StepAttempt
}
