// Package postgres implements the server-based relational backend: a
// Postgres-backed Backend using database/sql + lib/pq for race-free
// claiming (SELECT ... FOR UPDATE SKIP LOCKED) and pq.Listener for
// change notification.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sony/gobreaker"

	"github.com/cedricziel/durableflow/pkg/workflow"
)

// Store is a Backend implementation backed by a pooled Postgres
// connection.
type Store struct {
	db      *sqlx.DB
	breaker *gobreaker.CircuitBreaker
	notify  *notifier
}

// New wraps an already-migrated *sqlx.DB (see internal/db.Connect) as a
// Backend. dsn is needed separately for the LISTEN/NOTIFY connection,
// which lib/pq requires as its own dedicated connection.
func New(db *sqlx.DB, dsn string) *Store {
	return &Store{
		db:      db,
		breaker: newBreaker(),
		notify:  newNotifier(dsn),
	}
}

// Close releases the listener connection. The pooled *sqlx.DB is owned by
// the caller.
func (s *Store) Close() error {
	return s.notify.close()
}

func (s *Store) EnqueueRun(ctx context.Context, namespaceID, workflowName string, input json.RawMessage, parentRunID *string) (string, error) {
	runID := uuid.New().String()
	if input == nil {
		input = json.RawMessage(`{}`)
	}
	err := withBreaker(s.breaker, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO workflow_runs (namespace_id, id, workflow_name, input, status, parent_run_id)
			VALUES ($1, $2, $3, $4, 'pending', $5)`,
			namespaceID, runID, workflowName, input, parentRunID)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("enqueue run: %w", err)
	}
	return runID, nil
}

func (s *Store) ClaimRun(ctx context.Context, namespaceID, workerID string, leaseDuration time.Duration) (*workflow.Claim, error) {
	var claim *workflow.Claim
	err := withBreaker(s.breaker, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := time.Now().UTC()
		var row runRow
		err = tx.GetContext(ctx, &row, `
			SELECT `+runColumns+` FROM workflow_runs r
			WHERE r.namespace_id = $1
			  AND (r.status = 'pending' OR (r.status = 'running' AND r.lease_expires_at <= $2))
			  AND NOT EXISTS (
			    SELECT 1 FROM step_attempts a
			    WHERE a.namespace_id = r.namespace_id AND a.workflow_run_id = r.id
			      AND a.kind = 'sleep' AND a.status = 'running'
			      AND (a.context->>'resumeAt')::timestamptz > $2
			  )
			ORDER BY r.created_at, r.id
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, namespaceID, now)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}

		leaseExpires := now.Add(leaseDuration)
		startedAt := row.StartedAt
		if startedAt == nil {
			startedAt = &now
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE workflow_runs
			SET status = 'running', worker_id = $1, lease_expires_at = $2, updated_at = $3, started_at = $4
			WHERE namespace_id = $5 AND id = $6`,
			workerID, leaseExpires, now, startedAt, namespaceID, row.ID); err != nil {
			return err
		}

		attemptRows := []attemptRow{}
		if err := tx.SelectContext(ctx, &attemptRows, `
			SELECT `+attemptColumns+` FROM step_attempts
			WHERE namespace_id = $1 AND workflow_run_id = $2
			ORDER BY step_name, attempt_number`, namespaceID, row.ID); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return err
		}

		run := row.toRun()
		run.Status = workflow.RunRunning
		run.WorkerID = &workerID
		run.LeaseExpiresAt = &leaseExpires
		run.StartedAt = startedAt
		attempts := make([]workflow.StepAttempt, len(attemptRows))
		for i, a := range attemptRows {
			attempts[i] = a.toAttempt()
		}
		claim = &workflow.Claim{Run: run, Attempts: attempts}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim run: %w", err)
	}
	return claim, nil
}

func (s *Store) Heartbeat(ctx context.Context, namespaceID, runID, workerID string, leaseDuration time.Duration) (bool, error) {
	var ok bool
	err := withBreaker(s.breaker, func() error {
		now := time.Now().UTC()
		res, err := s.db.ExecContext(ctx, `
			UPDATE workflow_runs
			SET lease_expires_at = $1, updated_at = $1
			WHERE namespace_id = $2 AND id = $3 AND worker_id = $4
			  AND status = 'running' AND lease_expires_at > $1`,
			now.Add(leaseDuration), namespaceID, runID, workerID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	return ok, nil
}

func (s *Store) ReleaseRun(ctx context.Context, namespaceID, runID, workerID string) error {
	err := withBreaker(s.breaker, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE workflow_runs
			SET status = 'pending', worker_id = NULL, lease_expires_at = NULL, updated_at = $1
			WHERE namespace_id = $2 AND id = $3 AND worker_id = $4 AND status = 'running'`,
			time.Now().UTC(), namespaceID, runID, workerID)
		return err
	})
	if err != nil {
		return fmt.Errorf("release run: %w", err)
	}
	return nil
}

func (s *Store) ListAttempts(ctx context.Context, namespaceID, runID string) ([]workflow.StepAttempt, error) {
	var rows []attemptRow
	err := withBreaker(s.breaker, func() error {
		return s.db.SelectContext(ctx, &rows, `
			SELECT `+attemptColumns+` FROM step_attempts
			WHERE namespace_id = $1 AND workflow_run_id = $2
			ORDER BY step_name, attempt_number`, namespaceID, runID)
	})
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	out := make([]workflow.StepAttempt, len(rows))
	for i, r := range rows {
		out[i] = r.toAttempt()
	}
	return out, nil
}

func (s *Store) GetRun(ctx context.Context, namespaceID, runID string) (*workflow.WorkflowRun, error) {
	var row runRow
	err := withBreaker(s.breaker, func() error {
		return s.db.GetContext(ctx, &row, `SELECT `+runColumns+` FROM workflow_runs WHERE namespace_id = $1 AND id = $2`, namespaceID, runID)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	run := row.toRun()
	return &run, nil
}

func (s *Store) StartStepAttempt(ctx context.Context, namespaceID, runID, workerID, stepName string, kind workflow.AttemptKind, config, attemptContext json.RawMessage) (string, error) {
	var attemptID string
	err := withBreaker(s.breaker, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var status, heldBy string
		err = tx.QueryRowContext(ctx, `SELECT status, COALESCE(worker_id, '') FROM workflow_runs WHERE namespace_id = $1 AND id = $2 FOR UPDATE`, namespaceID, runID).Scan(&status, &heldBy)
		if err == sql.ErrNoRows {
			return workflow.ErrLeaseLost
		}
		if err != nil {
			return err
		}
		if status != "running" || heldBy != workerID {
			return workflow.ErrLeaseLost
		}

		var completedCount int
		if err := tx.QueryRowContext(ctx, `
			SELECT count(*) FROM step_attempts
			WHERE namespace_id = $1 AND workflow_run_id = $2 AND step_name = $3 AND status = 'completed'`,
			namespaceID, runID, stepName).Scan(&completedCount); err != nil {
			return err
		}
		if completedCount > 0 {
			return workflow.NewError(workflow.KindDeterminismViolation, fmt.Sprintf("step %q already completed", stepName), nil)
		}

		var nextAttempt int
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(attempt_number), 0) + 1 FROM step_attempts
			WHERE namespace_id = $1 AND workflow_run_id = $2 AND step_name = $3`,
			namespaceID, runID, stepName).Scan(&nextAttempt); err != nil {
			return err
		}

		if config == nil {
			config = json.RawMessage(`{}`)
		}
		id := uuid.New().String()
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO step_attempts
				(namespace_id, id, workflow_run_id, step_name, attempt_number, kind, status, config, context, started_at)
			VALUES ($1, $2, $3, $4, $5, $6, 'running', $7, $8, $9)`,
			namespaceID, id, runID, stepName, nextAttempt, kind, config, attemptContext, now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		attemptID = id
		return nil
	})
	if err != nil {
		return "", err
	}
	return attemptID, nil
}

func (s *Store) CompleteStepAttempt(ctx context.Context, namespaceID, attemptID, workerID string, output json.RawMessage) error {
	return s.finishStepAttempt(ctx, namespaceID, attemptID, workerID, "completed", output, nil)
}

func (s *Store) FailStepAttempt(ctx context.Context, namespaceID, attemptID, workerID string, stepErr json.RawMessage) error {
	return s.finishStepAttempt(ctx, namespaceID, attemptID, workerID, "failed", nil, stepErr)
}

func (s *Store) finishStepAttempt(ctx context.Context, namespaceID, attemptID, workerID, status string, output, stepErr json.RawMessage) error {
	err := withBreaker(s.breaker, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE step_attempts a
			SET status = $1, output = $2, error = $3, finished_at = $4, updated_at = $4
			FROM workflow_runs r
			WHERE a.namespace_id = $5 AND a.id = $6 AND a.status = 'running'
			  AND r.namespace_id = a.namespace_id AND r.id = a.workflow_run_id
			  AND r.worker_id = $7 AND r.status = 'running'`,
			status, output, stepErr, time.Now().UTC(), namespaceID, attemptID, workerID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return workflow.ErrLeaseLost
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("finish step attempt: %w", err)
	}
	return nil
}

func (s *Store) MarkRunSucceeded(ctx context.Context, namespaceID, runID, workerID string, output json.RawMessage) error {
	return s.finishRun(ctx, namespaceID, runID, workerID, workflow.RunCompleted, output, nil)
}

func (s *Store) MarkRunFailed(ctx context.Context, namespaceID, runID, workerID string, runErr json.RawMessage) error {
	return s.finishRun(ctx, namespaceID, runID, workerID, workflow.RunFailed, nil, runErr)
}

func (s *Store) finishRun(ctx context.Context, namespaceID, runID, workerID string, status workflow.RunStatus, output, runErr json.RawMessage) error {
	err := withBreaker(s.breaker, func() error {
		now := time.Now().UTC()
		res, err := s.db.ExecContext(ctx, `
			UPDATE workflow_runs
			SET status = $1, output = $2, error = $3, finished_at = $4, updated_at = $4
			WHERE namespace_id = $5 AND id = $6 AND worker_id = $7 AND status = 'running'`,
			status, output, runErr, now, namespaceID, runID, workerID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return workflow.ErrLeaseLost
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func (s *Store) SweepExpiredLeases(ctx context.Context, namespaceID string, now time.Time) (int, error) {
	var count int
	err := withBreaker(s.breaker, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE workflow_runs
			SET status = 'pending', worker_id = NULL, lease_expires_at = NULL, updated_at = $1
			WHERE namespace_id = $2 AND status = 'running' AND lease_expires_at <= $1`,
			now.UTC(), namespaceID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		count = int(n)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweep expired leases: %w", err)
	}
	return count, nil
}

func (s *Store) WaitForChange(ctx context.Context, namespaceID string, since string, timeout time.Duration) (string, error) {
	wait := timeout
	if resumeAt, ok, err := s.nearestResumeAt(ctx, namespaceID); err == nil && ok {
		if until := time.Until(resumeAt); until > 0 && until < wait {
			wait = until
		}
	}
	s.notify.wait(ctx, namespaceID, wait)
	return time.Now().UTC().Format(time.RFC3339Nano), nil
}

func (s *Store) nearestResumeAt(ctx context.Context, namespaceID string) (time.Time, bool, error) {
	var resumeAt sql.NullTime
	err := s.db.GetContext(ctx, &resumeAt, `
		SELECT MIN((a.context->>'resumeAt')::timestamptz)
		FROM step_attempts a
		JOIN workflow_runs r ON r.namespace_id = a.namespace_id AND r.id = a.workflow_run_id
		WHERE a.namespace_id = $1 AND a.kind = 'sleep' AND a.status = 'running'`, namespaceID)
	if err != nil {
		return time.Time{}, false, err
	}
	if !resumeAt.Valid {
		return time.Time{}, false, nil
	}
	return resumeAt.Time, true, nil
}

const runColumns = `namespace_id, id, workflow_name, input, status, output, error, worker_id,
	lease_expires_at, created_at, updated_at, started_at, finished_at, parent_run_id`

const attemptColumns = `namespace_id, id, workflow_run_id, step_name, attempt_number, kind, status,
	config, context, output, error, child_run_id, started_at, finished_at, created_at, updated_at`

type runRow struct {
	NamespaceID    string          `db:"namespace_id"`
	ID             string          `db:"id"`
	WorkflowName   string          `db:"workflow_name"`
	Input          json.RawMessage `db:"input"`
	Status         string          `db:"status"`
	Output         json.RawMessage `db:"output"`
	Error          json.RawMessage `db:"error"`
	WorkerID       *string         `db:"worker_id"`
	LeaseExpiresAt *time.Time      `db:"lease_expires_at"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
	StartedAt      *time.Time      `db:"started_at"`
	FinishedAt     *time.Time      `db:"finished_at"`
	ParentRunID    *string         `db:"parent_run_id"`
}

func (r runRow) toRun() workflow.WorkflowRun {
	return workflow.WorkflowRun{
		NamespaceID:    r.NamespaceID,
		ID:             r.ID,
		WorkflowName:   r.WorkflowName,
		Input:          r.Input,
		Status:         workflow.RunStatus(r.Status),
		Output:         r.Output,
		Error:          r.Error,
		WorkerID:       r.WorkerID,
		LeaseExpiresAt: r.LeaseExpiresAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
		ParentRunID:    r.ParentRunID,
	}
}

type attemptRow struct {
	NamespaceID   string          `db:"namespace_id"`
	ID            string          `db:"id"`
	WorkflowRunID string          `db:"workflow_run_id"`
	StepName      string          `db:"step_name"`
	AttemptNumber int             `db:"attempt_number"`
	Kind          string          `db:"kind"`
	Status        string          `db:"status"`
	Config        json.RawMessage `db:"config"`
	Context       json.RawMessage `db:"context"`
	Output        json.RawMessage `db:"output"`
	Error         json.RawMessage `db:"error"`
	ChildRunID    *string         `db:"child_run_id"`
	StartedAt     *time.Time      `db:"started_at"`
	FinishedAt    *time.Time      `db:"finished_at"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

func (a attemptRow) toAttempt() workflow.StepAttempt {
	return workflow.StepAttempt{
		NamespaceID:        a.NamespaceID,
		ID:                 a.ID,
		WorkflowRunID:      a.WorkflowRunID,
		StepName:           a.StepName,
		AttemptNumber:      a.AttemptNumber,
		Kind:               workflow.AttemptKind(a.Kind),
		Status:             workflow.NormalizeAttemptStatus(workflow.AttemptStatus(a.Status)),
		Config:             a.Config,
		Context:            a.Context,
		Output:             a.Output,
		Error:              a.Error,
		ChildWorkflowRunID: a.ChildRunID,
		StartedAt:          a.StartedAt,
		FinishedAt:         a.FinishedAt,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}
}
