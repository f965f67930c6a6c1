package workflow

import "time"

// UnboundedAttempts marks a BackoffPolicy.MaximumAttempts as having no
// ceiling.
const UnboundedAttempts = 0

// BackoffPolicy configures step-level and client-poll retry delays. No
// jitter is prescribed; ComputeDelay is deterministic so implementations
// adding bounded jitter must still respect MaximumInterval.
type BackoffPolicy struct {
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaximumInterval    time.Duration
	MaximumAttempts    int
}

// DefaultBackoffPolicy returns the default retry shape: a one-second
// initial interval doubling up to a five-minute cap, capped at three
// attempts.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    5 * time.Minute,
		MaximumAttempts:    3,
	}
}

// ComputeDelay returns the delay before attempt n (1-based):
// min(initialInterval * coefficient^(n-1), maximumInterval).
func ComputeDelay(p BackoffPolicy, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := float64(p.InitialInterval)
	for i := 1; i < n; i++ {
		delay *= p.BackoffCoefficient
		if p.MaximumInterval > 0 && delay >= float64(p.MaximumInterval) {
			return p.MaximumInterval
		}
	}
	d := time.Duration(delay)
	if p.MaximumInterval > 0 && d > p.MaximumInterval {
		return p.MaximumInterval
	}
	return d
}

// ExhaustedAttempts reports whether attemptCount has reached the policy's
// MaximumAttempts (UnboundedAttempts never reports exhaustion).
func (p BackoffPolicy) ExhaustedAttempts(attemptCount int) bool {
	if p.MaximumAttempts == UnboundedAttempts {
		return false
	}
	return attemptCount >= p.MaximumAttempts
}
