// Package sqlite implements the embedded single-file backend: an
// in-process Backend over a local SQLite database, for single-node
// deployments and tests that should not require a Postgres instance.
// Writes are serialized through a single pooled connection, matching
// SQLite's single-writer model; transactions use a plain BEGIN, since
// the one connection already excludes concurrent writers. Built on
// modernc.org/sqlite for a pure-Go, cgo-free embedded store.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/cedricziel/durableflow/pkg/workflow"
)

//go:embed schema.sql
var schemaSQL string

const timeLayout = time.RFC3339Nano

// Store is an embedded single-file Backend implementation.
type Store struct {
	db *sql.DB

	mu   sync.Mutex
	cond *sync.Cond
	gen  uint64
}

// Open creates or opens the SQLite database at path (":memory:" for an
// ephemeral store) and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writes; a single connection avoids SQLITE_BUSY
	// thrash between competing writers and lets the in-process sync.Cond
	// stand in for cross-connection notification.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{db: db}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// wake bumps the generation counter and wakes every WaitForChange
// waiter; called after any write that might make a run claimable.
func (s *Store) wake() {
	s.mu.Lock()
	s.gen++
	s.mu.Unlock()
	s.cond.Broadcast()
}

func (s *Store) EnqueueRun(ctx context.Context, namespaceID, workflowName string, input json.RawMessage, parentRunID *string) (string, error) {
	runID := uuid.New().String()
	if input == nil {
		input = json.RawMessage(`{}`)
	}
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (namespace_id, id, workflow_name, input, status, created_at, updated_at, parent_run_id)
		VALUES (?, ?, ?, ?, 'pending', ?, ?, ?)`,
		namespaceID, runID, workflowName, string(input), now, now, parentRunID)
	if err != nil {
		return "", fmt.Errorf("enqueue run: %w", err)
	}
	s.wake()
	return runID, nil
}

func (s *Store) ClaimRun(ctx context.Context, namespaceID, workerID string, leaseDuration time.Duration) (*workflow.Claim, error) {
	// The single-connection pool (SetMaxOpenConns(1)) already serializes
	// every transaction, giving BEGIN IMMEDIATE's exclusivity guarantee
	// for free.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim run: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeLayout)
	row := tx.QueryRowContext(ctx, `
		SELECT r.namespace_id, r.id, r.workflow_name, r.input, r.status, r.output, r.error,
		       r.worker_id, r.lease_expires_at, r.created_at, r.updated_at, r.started_at,
		       r.finished_at, r.parent_run_id
		FROM workflow_runs r
		WHERE r.namespace_id = ?
		  AND (r.status = 'pending' OR (r.status = 'running' AND r.lease_expires_at <= ?))
		  AND NOT EXISTS (
		    SELECT 1 FROM step_attempts a
		    WHERE a.namespace_id = r.namespace_id AND a.workflow_run_id = r.id
		      AND a.kind = 'sleep' AND a.status = 'running'
		      AND json_extract(a.context, '$.resumeAt') > ?
		  )
		ORDER BY r.created_at, r.id
		LIMIT 1`, namespaceID, now, now)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim run: %w", err)
	}

	leaseExpires := time.Now().UTC().Add(leaseDuration).Format(timeLayout)
	startedAt := run.StartedAt
	if startedAt == nil {
		t := time.Now().UTC()
		startedAt = &t
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = 'running', worker_id = ?, lease_expires_at = ?, updated_at = ?, started_at = ?
		WHERE namespace_id = ? AND id = ?`,
		workerID, leaseExpires, now, startedAt.UTC().Format(timeLayout), namespaceID, run.ID); err != nil {
		return nil, fmt.Errorf("claim run: %w", err)
	}

	attempts, err := queryAttempts(ctx, tx, namespaceID, run.ID)
	if err != nil {
		return nil, fmt.Errorf("claim run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim run: %w", err)
	}

	leaseExpiresAt, _ := time.Parse(timeLayout, leaseExpires)
	run.Status = workflow.RunRunning
	run.WorkerID = &workerID
	run.LeaseExpiresAt = &leaseExpiresAt
	run.StartedAt = startedAt

	return &workflow.Claim{Run: *run, Attempts: attempts}, nil
}

func (s *Store) Heartbeat(ctx context.Context, namespaceID, runID, workerID string, leaseDuration time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET lease_expires_at = ?, updated_at = ?
		WHERE namespace_id = ? AND id = ? AND worker_id = ?
		  AND status = 'running' AND lease_expires_at > ?`,
		now.Add(leaseDuration).Format(timeLayout), now.Format(timeLayout),
		namespaceID, runID, workerID, now.Format(timeLayout))
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	return n > 0, nil
}

func (s *Store) ReleaseRun(ctx context.Context, namespaceID, runID, workerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = 'pending', worker_id = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE namespace_id = ? AND id = ? AND worker_id = ? AND status = 'running'`,
		time.Now().UTC().Format(timeLayout), namespaceID, runID, workerID)
	if err != nil {
		return fmt.Errorf("release run: %w", err)
	}
	s.wake()
	return nil
}

func (s *Store) ListAttempts(ctx context.Context, namespaceID, runID string) ([]workflow.StepAttempt, error) {
	return queryAttempts(ctx, s.db, namespaceID, runID)
}

func (s *Store) GetRun(ctx context.Context, namespaceID, runID string) (*workflow.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT namespace_id, id, workflow_name, input, status, output, error, worker_id,
		       lease_expires_at, created_at, updated_at, started_at, finished_at, parent_run_id
		FROM workflow_runs WHERE namespace_id = ? AND id = ?`, namespaceID, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (s *Store) StartStepAttempt(ctx context.Context, namespaceID, runID, workerID, stepName string, kind workflow.AttemptKind, config, attemptContext json.RawMessage) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("start step attempt: %w", err)
	}
	defer tx.Rollback()

	var status, heldBy string
	err = tx.QueryRowContext(ctx, `SELECT status, COALESCE(worker_id, '') FROM workflow_runs WHERE namespace_id = ? AND id = ?`, namespaceID, runID).Scan(&status, &heldBy)
	if err == sql.ErrNoRows {
		return "", workflow.ErrLeaseLost
	}
	if err != nil {
		return "", fmt.Errorf("start step attempt: %w", err)
	}
	if status != "running" || heldBy != workerID {
		return "", workflow.ErrLeaseLost
	}

	var completedCount int
	if err := tx.QueryRowContext(ctx, `
		SELECT count(*) FROM step_attempts
		WHERE namespace_id = ? AND workflow_run_id = ? AND step_name = ? AND status = 'completed'`,
		namespaceID, runID, stepName).Scan(&completedCount); err != nil {
		return "", fmt.Errorf("start step attempt: %w", err)
	}
	if completedCount > 0 {
		return "", workflow.NewError(workflow.KindDeterminismViolation, fmt.Sprintf("step %q already completed", stepName), nil)
	}

	var nextAttempt int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(attempt_number), 0) + 1 FROM step_attempts
		WHERE namespace_id = ? AND workflow_run_id = ? AND step_name = ?`,
		namespaceID, runID, stepName).Scan(&nextAttempt); err != nil {
		return "", fmt.Errorf("start step attempt: %w", err)
	}

	if config == nil {
		config = json.RawMessage(`{}`)
	}
	id := uuid.New().String()
	now := time.Now().UTC().Format(timeLayout)
	var contextVal any
	if attemptContext != nil {
		contextVal = string(attemptContext)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO step_attempts
			(namespace_id, id, workflow_run_id, step_name, attempt_number, kind, status, config, context, started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'running', ?, ?, ?, ?, ?)`,
		namespaceID, id, runID, stepName, nextAttempt, string(kind), string(config), contextVal, now, now, now); err != nil {
		return "", fmt.Errorf("start step attempt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("start step attempt: %w", err)
	}
	return id, nil
}

func (s *Store) CompleteStepAttempt(ctx context.Context, namespaceID, attemptID, workerID string, output json.RawMessage) error {
	return s.finishStepAttempt(ctx, namespaceID, attemptID, workerID, "completed", output, nil)
}

func (s *Store) FailStepAttempt(ctx context.Context, namespaceID, attemptID, workerID string, stepErr json.RawMessage) error {
	return s.finishStepAttempt(ctx, namespaceID, attemptID, workerID, "failed", nil, stepErr)
}

func (s *Store) finishStepAttempt(ctx context.Context, namespaceID, attemptID, workerID, status string, output, stepErr json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE step_attempts
		SET status = ?, output = ?, error = ?, finished_at = ?, updated_at = ?
		WHERE namespace_id = ? AND id = ? AND status = 'running'
		  AND EXISTS (
		    SELECT 1 FROM workflow_runs r
		    WHERE r.namespace_id = step_attempts.namespace_id AND r.id = step_attempts.workflow_run_id
		      AND r.worker_id = ? AND r.status = 'running'
		  )`,
		status, jsonOrNull(output), jsonOrNull(stepErr), time.Now().UTC().Format(timeLayout), time.Now().UTC().Format(timeLayout),
		namespaceID, attemptID, workerID)
	if err != nil {
		return fmt.Errorf("finish step attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish step attempt: %w", err)
	}
	if n == 0 {
		return workflow.ErrLeaseLost
	}
	s.wake()
	return nil
}

func (s *Store) MarkRunSucceeded(ctx context.Context, namespaceID, runID, workerID string, output json.RawMessage) error {
	return s.finishRun(ctx, namespaceID, runID, workerID, "completed", output, nil)
}

func (s *Store) MarkRunFailed(ctx context.Context, namespaceID, runID, workerID string, runErr json.RawMessage) error {
	return s.finishRun(ctx, namespaceID, runID, workerID, "failed", nil, runErr)
}

func (s *Store) finishRun(ctx context.Context, namespaceID, runID, workerID, status string, output, runErr json.RawMessage) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = ?, output = ?, error = ?, finished_at = ?, updated_at = ?
		WHERE namespace_id = ? AND id = ? AND worker_id = ? AND status = 'running'`,
		status, jsonOrNull(output), jsonOrNull(runErr), now, now, namespaceID, runID, workerID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n == 0 {
		return workflow.ErrLeaseLost
	}
	s.wake()
	return nil
}

func (s *Store) SweepExpiredLeases(ctx context.Context, namespaceID string, now time.Time) (int, error) {
	nowStr := now.UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = 'pending', worker_id = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE namespace_id = ? AND status = 'running' AND lease_expires_at <= ?`,
		nowStr, namespaceID, nowStr)
	if err != nil {
		return 0, fmt.Errorf("sweep expired leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep expired leases: %w", err)
	}
	if n > 0 {
		s.wake()
	}
	return int(n), nil
}

// WaitForChange blocks on the in-process condition variable, woken by any
// write that might make new work claimable, bounded by timeout and the
// nearest active sleep's resumeAt.
func (s *Store) WaitForChange(ctx context.Context, namespaceID string, since string, timeout time.Duration) (string, error) {
	wait := timeout
	if resumeAt, ok, err := s.nearestResumeAt(ctx, namespaceID); err == nil && ok {
		if until := time.Until(resumeAt); until > 0 && until < wait {
			wait = until
		}
	}

	if wait < 0 {
		wait = 0
	}
	changed := make(chan struct{}, 1)
	stop := make(chan struct{})
	go func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		startGen := s.gen
		timer := time.AfterFunc(wait, func() { s.cond.Broadcast() })
		defer timer.Stop()
		go func() {
			<-stop
			s.cond.Broadcast()
		}()
		for s.gen == startGen {
			select {
			case <-stop:
				return
			default:
			}
			s.cond.Wait()
		}
		select {
		case changed <- struct{}{}:
		default:
		}
	}()

	select {
	case <-changed:
	case <-ctx.Done():
	case <-time.After(wait):
	}
	close(stop)
	return time.Now().UTC().Format(timeLayout), nil
}

func (s *Store) nearestResumeAt(ctx context.Context, namespaceID string) (time.Time, bool, error) {
	var resumeAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(json_extract(a.context, '$.resumeAt'))
		FROM step_attempts a
		WHERE a.namespace_id = ? AND a.kind = 'sleep' AND a.status = 'running'`, namespaceID).Scan(&resumeAt)
	if err != nil {
		return time.Time{}, false, err
	}
	if !resumeAt.Valid || resumeAt.String == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(timeLayout, resumeAt.String)
	if err != nil {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

func jsonOrNull(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*workflow.WorkflowRun, error) {
	var r workflow.WorkflowRun
	var input, output, errCol sql.NullString
	var workerID, leaseExpiresAt, startedAt, finishedAt, parentRunID sql.NullString

	if err := row.Scan(&r.NamespaceID, &r.ID, &r.WorkflowName, &input, &r.Status, &output, &errCol,
		&workerID, &leaseExpiresAt, &r.CreatedAt, &r.UpdatedAt, &startedAt, &finishedAt, &parentRunID); err != nil {
		return nil, err
	}
	if input.Valid {
		r.Input = json.RawMessage(input.String)
	}
	if output.Valid {
		r.Output = json.RawMessage(output.String)
	}
	if errCol.Valid {
		r.Error = json.RawMessage(errCol.String)
	}
	if workerID.Valid {
		v := workerID.String
		r.WorkerID = &v
	}
	if leaseExpiresAt.Valid {
		t, _ := time.Parse(timeLayout, leaseExpiresAt.String)
		r.LeaseExpiresAt = &t
	}
	if startedAt.Valid {
		t, _ := time.Parse(timeLayout, startedAt.String)
		r.StartedAt = &t
	}
	if finishedAt.Valid {
		t, _ := time.Parse(timeLayout, finishedAt.String)
		r.FinishedAt = &t
	}
	if parentRunID.Valid {
		v := parentRunID.String
		r.ParentRunID = &v
	}
	return &r, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryAttempts(ctx context.Context, q querier, namespaceID, runID string) ([]workflow.StepAttempt, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT namespace_id, id, workflow_run_id, step_name, attempt_number, kind, status,
		       config, context, output, error, child_run_id, started_at, finished_at, created_at, updated_at
		FROM step_attempts
		WHERE namespace_id = ? AND workflow_run_id = ?
		ORDER BY step_name, attempt_number`, namespaceID, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []workflow.StepAttempt
	for rows.Next() {
		var a workflow.StepAttempt
		var kind, status string
		var config, context, output, errCol, childRunID, startedAt, finishedAt sql.NullString

		if err := rows.Scan(&a.NamespaceID, &a.ID, &a.WorkflowRunID, &a.StepName, &a.AttemptNumber,
			&kind, &status, &config, &context, &output, &errCol, &childRunID, &startedAt, &finishedAt,
			&a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Kind = workflow.AttemptKind(kind)
		a.Status = workflow.NormalizeAttemptStatus(workflow.AttemptStatus(status))
		if config.Valid {
			a.Config = json.RawMessage(config.String)
		}
		if context.Valid {
			a.Context = json.RawMessage(context.String)
		}
		if output.Valid {
			a.Output = json.RawMessage(output.String)
		}
		if errCol.Valid {
			a.Error = json.RawMessage(errCol.String)
		}
		if childRunID.Valid {
			v := childRunID.String
			a.ChildWorkflowRunID = &v
		}
		if startedAt.Valid {
			t, _ := time.Parse(timeLayout, startedAt.String)
			a.StartedAt = &t
		}
		if finishedAt.Valid {
			t, _ := time.Parse(timeLayout, finishedAt.String)
			a.FinishedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
