package worker

import "github.com/prometheus/client_golang/prometheus"

// metrics is the ambient instrumentation every Worker publishes. It is
// a plain struct of collectors rather than package-level globals so
// multiple workers in one process (Pool) register distinctly
// labelled series instead of colliding on re-registration.
type metrics struct {
	claims      prometheus.Counter
	completions prometheus.Counter
	failures    prometheus.Counter
	leaseLosses prometheus.Counter
	inFlight    prometheus.Gauge
}

func newMetrics(registry prometheus.Registerer, workerID string) *metrics {
	labels := prometheus.Labels{"worker_id": workerID}
	m := &metrics{
		claims: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "durableflow_worker_claims_total",
			Help:        "Runs claimed by this worker.",
			ConstLabels: labels,
		}),
		completions: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "durableflow_worker_run_completions_total",
			Help:        "Runs this worker marked completed.",
			ConstLabels: labels,
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "durableflow_worker_run_failures_total",
			Help:        "Runs this worker marked failed.",
			ConstLabels: labels,
		}),
		leaseLosses: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "durableflow_worker_lease_losses_total",
			Help:        "Executions this worker abandoned after losing the lease.",
			ConstLabels: labels,
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "durableflow_worker_in_flight_runs",
			Help:        "Runs currently executing on this worker.",
			ConstLabels: labels,
		}),
	}
	if registry != nil {
		registry.MustRegister(m.claims, m.completions, m.failures, m.leaseLosses, m.inFlight)
	}
	return m
}
