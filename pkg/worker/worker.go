// Package worker polls a Backend, claims runs under a lease, drives
// them through the runtime, heartbeats, and reports terminal status.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cedricziel/durableflow/pkg/backend"
	"github.com/cedricziel/durableflow/pkg/client"
	"github.com/cedricziel/durableflow/pkg/clock"
	"github.com/cedricziel/durableflow/pkg/runtime"
	"github.com/cedricziel/durableflow/pkg/workflow"
)

// Config controls one Worker's lease, polling, and heartbeat cadence.
type Config struct {
	WorkerID          string
	Namespace         string
	Concurrency       int
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	PollTimeout       time.Duration
	SweepInterval     time.Duration
	// SweepEnabled controls whether this worker runs the periodic
	// sweepExpiredLeases loop. One worker per namespace should; the
	// rest would only add redundant lock contention.
	SweepEnabled bool
	Clock        clock.Clock
	Registry     prometheus.Registerer
}

// DefaultConfig returns sane defaults; callers still must set
// Namespace.
func DefaultConfig() Config {
	hostname, _ := os.Hostname()
	return Config{
		WorkerID:          fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		Concurrency:       10,
		LeaseDuration:     30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		PollTimeout:       5 * time.Second,
		SweepInterval:     15 * time.Second,
		SweepEnabled:      true,
		Clock:             clock.New(),
	}
}

// Worker is a long-lived loop claiming and executing runs against one
// Backend and one Client registry.
type Worker struct {
	cfg     Config
	backend backend.Backend
	client  *client.Client
	metrics *metrics
	log     *slog.Logger

	mu         sync.Mutex
	running    bool
	inFlight   map[string]context.CancelFunc
	wg         sync.WaitGroup
	pollCancel context.CancelFunc
	runParent  context.Context
}

// New builds a Worker. b and c are shared across a Pool's
// members.
func New(b backend.Backend, c *client.Client, cfg Config) *Worker {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Worker{
		cfg:      cfg,
		backend:  b,
		client:   c,
		metrics:  newMetrics(cfg.Registry, cfg.WorkerID),
		log:      slog.Default().With("worker_id", cfg.WorkerID),
		inFlight: make(map[string]context.CancelFunc),
	}
}

// Start runs the claim, sweep, and (indirectly, per-run) heartbeat
// loops until ctx is cancelled or Stop is called.
//
// In-flight run contexts are children of ctx itself, not of the
// internal poll loop's context: cancelling the poll loop (via Stop)
// stops new claims immediately without also hard-cancelling runs
// already in flight. Only ctx's own cancellation, or Stop's grace
// period elapsing, reaches those.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("worker %s already running", w.cfg.WorkerID)
	}
	pollCtx, pollCancel := context.WithCancel(ctx)
	w.pollCancel = pollCancel
	w.runParent = ctx
	w.running = true
	w.mu.Unlock()

	w.log.Info("worker starting", "concurrency", w.cfg.Concurrency)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.workLoop(pollCtx)
	}()

	if w.cfg.SweepEnabled {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.sweepLoop(pollCtx)
		}()
	}

	<-pollCtx.Done()
	w.wg.Wait()

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	w.log.Info("worker stopped")
	return nil
}

// Stop requests shutdown: the claim and sweep loops stop immediately,
// so no new run is picked up. Runs already in flight are given up to
// grace to finish their current execution (a terminal outcome or a
// sleep yield); they are not halted at step boundaries, and Stop does
// not release their leases. If grace elapses first, their contexts are
// cancelled and they are abandoned — the lease each holds expires
// naturally and SweepExpiredLeases hands the run to another worker.
func (w *Worker) Stop(grace time.Duration) {
	w.mu.Lock()
	pollCancel := w.pollCancel
	w.mu.Unlock()
	if pollCancel != nil {
		pollCancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
	}

	w.mu.Lock()
	abandoned := make([]context.CancelFunc, 0, len(w.inFlight))
	for _, cancel := range w.inFlight {
		abandoned = append(abandoned, cancel)
	}
	w.mu.Unlock()

	if len(abandoned) > 0 {
		w.log.Warn("shutdown grace period elapsed, abandoning in-flight runs", "count", len(abandoned))
	}
	for _, cancel := range abandoned {
		cancel()
	}
}

// withBackendRetry retries fn while it keeps failing with a
// BackendTransient error, bounded by the run's lease duration. Any other
// error, including BackendFatal once the breaker in backend/postgres
// trips, is returned immediately without further retries.
func (w *Worker) withBackendRetry(ctx context.Context, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = w.cfg.LeaseDuration
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if workflow.KindOf(err) == workflow.KindBackendTransient {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(eb, ctx))
}

func (w *Worker) workLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.mu.Lock()
		slots := w.cfg.Concurrency - len(w.inFlight)
		w.mu.Unlock()
		if slots <= 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollTimeout):
			}
			continue
		}

		var claim *workflow.Claim
		err := w.withBackendRetry(ctx, func() (err error) {
			claim, err = w.backend.ClaimRun(ctx, w.cfg.Namespace, w.cfg.WorkerID, w.cfg.LeaseDuration)
			return err
		})
		if err != nil {
			w.log.Warn("claim failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollTimeout):
			}
			continue
		}
		if claim == nil {
			if _, err := w.backend.WaitForChange(ctx, w.cfg.Namespace, "", w.cfg.PollTimeout); err != nil {
				w.log.Warn("wait for change failed", "error", err)
			}
			continue
		}

		w.metrics.claims.Inc()
		w.launch(claim)
	}
}

func (w *Worker) sweepLoop(ctx context.Context) {
	ticker := w.cfg.Clock.Ticker(w.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var n int
			err := w.withBackendRetry(ctx, func() (err error) {
				n, err = w.backend.SweepExpiredLeases(ctx, w.cfg.Namespace, w.cfg.Clock.Now())
				return err
			})
			if err != nil {
				w.log.Warn("sweep failed", "error", err)
				continue
			}
			if n > 0 {
				w.log.Info("swept expired leases", "count", n)
			}
		}
	}
}

// launch spawns the execution task and its dedicated heartbeat
// sub-loop for one claimed run. Its context descends from
// w.runParent (the context Start was called with), not from the poll
// loop's context, so Stop can halt new claims without immediately
// cancelling runs already in flight.
func (w *Worker) launch(claim *workflow.Claim) {
	w.mu.Lock()
	parent := w.runParent
	w.mu.Unlock()
	runCtx, cancel := context.WithCancel(parent)

	w.mu.Lock()
	w.inFlight[claim.Run.ID] = cancel
	w.mu.Unlock()
	w.metrics.inFlight.Inc()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			cancel()
			w.mu.Lock()
			delete(w.inFlight, claim.Run.ID)
			w.mu.Unlock()
			w.metrics.inFlight.Dec()
		}()

		heartbeatDone := make(chan struct{})
		go func() {
			defer close(heartbeatDone)
			w.heartbeat(runCtx, claim.Run.ID, cancel)
		}()

		w.execute(runCtx, claim)
		cancel()
		<-heartbeatDone
	}()
}

func (w *Worker) heartbeat(ctx context.Context, runID string, onLost context.CancelFunc) {
	interval := w.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = w.cfg.LeaseDuration / 3
	}
	ticker := w.cfg.Clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var ok bool
			err := w.withBackendRetry(ctx, func() (err error) {
				ok, err = w.backend.Heartbeat(ctx, w.cfg.Namespace, runID, w.cfg.WorkerID, w.cfg.LeaseDuration)
				return err
			})
			if err != nil {
				w.log.Warn("heartbeat error", "run_id", runID, "error", err)
				continue
			}
			if !ok {
				w.log.Warn("lease lost", "run_id", runID)
				w.metrics.leaseLosses.Inc()
				onLost()
				return
			}
		}
	}
}

func (w *Worker) execute(ctx context.Context, claim *workflow.Claim) {
	runID := claim.Run.ID
	def, ok := w.client.Lookup(claim.Run.WorkflowName)
	if !ok {
		serialized := workflow.SerializeError(fmt.Errorf("unknown workflow %q", claim.Run.WorkflowName))
		err := w.withBackendRetry(ctx, func() error {
			return w.backend.MarkRunFailed(ctx, w.cfg.Namespace, runID, w.cfg.WorkerID, serialized)
		})
		if err != nil && !workflow.IsLeaseLost(err) {
			w.log.Warn("failed to mark unknown-workflow run failed", "run_id", runID, "error", err)
		}
		w.metrics.failures.Inc()
		return
	}

	result := runtime.Execute(ctx, w.backend, w.cfg.Namespace, runID, w.cfg.WorkerID, claim.Run.Input, claim.Attempts, def.Func)

	switch result.Outcome {
	case runtime.OutcomeSleeping:
		err := w.withBackendRetry(ctx, func() error {
			return w.backend.ReleaseRun(ctx, w.cfg.Namespace, runID, w.cfg.WorkerID)
		})
		if err != nil && !workflow.IsLeaseLost(err) {
			w.log.Warn("failed to release run for sleep", "run_id", runID, "error", err)
		}
		return

	case runtime.OutcomeCompleted:
		err := w.withBackendRetry(ctx, func() error {
			return w.backend.MarkRunSucceeded(ctx, w.cfg.Namespace, runID, w.cfg.WorkerID, result.Output)
		})
		if err != nil {
			if workflow.IsLeaseLost(err) {
				return
			}
			w.log.Warn("failed to mark run succeeded", "run_id", runID, "error", err)
			return
		}
		w.metrics.completions.Inc()

	case runtime.OutcomeFailed:
		if workflow.IsLeaseLost(result.Err) {
			return
		}
		serialized := serializeOutcomeError(result.Err)
		err := w.withBackendRetry(ctx, func() error {
			return w.backend.MarkRunFailed(ctx, w.cfg.Namespace, runID, w.cfg.WorkerID, serialized)
		})
		if err != nil {
			if workflow.IsLeaseLost(err) {
				return
			}
			w.log.Warn("failed to mark run failed", "run_id", runID, "error", err)
			return
		}
		w.metrics.failures.Inc()
	}
}

func serializeOutcomeError(err error) json.RawMessage {
	return workflow.SerializeError(err)
}
