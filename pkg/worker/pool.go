package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cedricziel/durableflow/pkg/backend"
	"github.com/cedricziel/durableflow/pkg/client"
)

// Pool runs N Workers sharing one Backend and one Client registry, the
// way a single process hosts several worker slots at a fixed
// concurrency.
type Pool struct {
	workers []*Worker
	wg      sync.WaitGroup
}

// NewPool builds count Workers, each with its own WorkerID derived
// from base, and only the first sweeping expired leases: one sweeper
// per namespace is enough, and every worker duplicating the sweep
// would just add lock contention for no benefit.
func NewPool(b backend.Backend, c *client.Client, base Config, count int) *Pool {
	p := &Pool{}
	for i := 0; i < count; i++ {
		cfg := base
		cfg.WorkerID = fmt.Sprintf("%s-%d", base.WorkerID, i)
		cfg.SweepEnabled = base.SweepEnabled && i == 0
		p.workers = append(p.workers, New(b, c, cfg))
	}
	return p
}

// Start launches every worker and blocks until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) error {
	errCh := make(chan error, len(p.workers))
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			if err := w.Start(ctx); err != nil {
				errCh <- err
			}
		}(w)
	}
	<-ctx.Done()
	p.wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// Stop signals every worker to stop, giving each up to grace to let
// its in-flight runs finish before abandoning them (see Worker.Stop). Workers
// are stopped concurrently so the pool-wide grace period is grace, not
// grace times the worker count.
func (p *Pool) Stop(grace time.Duration) {
	var stopWG sync.WaitGroup
	for _, w := range p.workers {
		stopWG.Add(1)
		go func(w *Worker) {
			defer stopWG.Done()
			w.Stop(grace)
		}(w)
	}
	stopWG.Wait()
}
