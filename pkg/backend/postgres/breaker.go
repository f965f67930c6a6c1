package postgres

import (
	"errors"
	"net"
	"time"

	"github.com/lib/pq"
	"github.com/sony/gobreaker"

	"github.com/cedricziel/durableflow/pkg/workflow"
)

// newBreaker builds the circuit breaker guarding the pooled connection.
// Repeated connection failures trip it; once open, calls fail fast with
// BackendFatal instead of retrying forever, escalating from
// BackendTransient once the connection looks permanently down.
func newBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "durableflow-postgres",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

// classify decides whether a driver error is transient (worth retrying /
// tripping the breaker on) or should bubble up unmodified (e.g. a context
// cancellation, or an application-level constraint violation that is not
// a connectivity problem).
func classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	var pqErr *pq.Error
	switch {
	case errors.As(err, &netErr):
		return workflow.NewError(workflow.KindBackendTransient, "network error", err)
	case errors.As(err, &pqErr) && isTransientPQ(pqErr):
		return workflow.NewError(workflow.KindBackendTransient, "transient postgres error", err)
	default:
		return err
	}
}

func isTransientPQ(e *pq.Error) bool {
	switch e.Code.Class() {
	case "08", // connection exception
		"40", // transaction rollback (deadlock, serialization failure)
		"53", // insufficient resources
		"57": // operator intervention (admin shutdown, crash)
		return true
	default:
		return false
	}
}

// withBreaker runs fn through the circuit breaker, translating a
// gobreaker.ErrOpenState into BackendFatal.
func withBreaker(b *gobreaker.CircuitBreaker, fn func() error) error {
	_, err := b.Execute(func() (any, error) {
		if err := fn(); err != nil {
			return nil, classify(err)
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return workflow.NewError(workflow.KindBackendFatal, "backend circuit breaker open", err)
	}
	return err
}
