package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeDelay(t *testing.T) {
	p := BackoffPolicy{
		InitialInterval:    time.Second,
		BackoffCoefficient: 2.0,
		MaximumInterval:    10 * time.Second,
	}
	assert.Equal(t, time.Second, ComputeDelay(p, 1))
	assert.Equal(t, 2*time.Second, ComputeDelay(p, 2))
	assert.Equal(t, 4*time.Second, ComputeDelay(p, 3))
	assert.Equal(t, 8*time.Second, ComputeDelay(p, 4))
	// 16s would exceed MaximumInterval
	assert.Equal(t, 10*time.Second, ComputeDelay(p, 5))
	assert.Equal(t, 10*time.Second, ComputeDelay(p, 100))
}

func TestComputeDelayClampsLowAttempt(t *testing.T) {
	p := DefaultBackoffPolicy()
	assert.Equal(t, ComputeDelay(p, 1), ComputeDelay(p, 0))
	assert.Equal(t, ComputeDelay(p, 1), ComputeDelay(p, -5))
}

func TestComputeDelayUnboundedMaximumInterval(t *testing.T) {
	p := BackoffPolicy{InitialInterval: time.Second, BackoffCoefficient: 3.0}
	assert.Equal(t, 9*time.Second, ComputeDelay(p, 3))
	assert.Equal(t, 81*time.Second, ComputeDelay(p, 5))
}

func TestExhaustedAttempts(t *testing.T) {
	p := BackoffPolicy{MaximumAttempts: 3}
	assert.False(t, p.ExhaustedAttempts(0))
	assert.False(t, p.ExhaustedAttempts(2))
	assert.True(t, p.ExhaustedAttempts(3))
	assert.True(t, p.ExhaustedAttempts(4))
}

func TestExhaustedAttemptsUnbounded(t *testing.T) {
	p := BackoffPolicy{MaximumAttempts: UnboundedAttempts}
	assert.False(t, p.ExhaustedAttempts(1000))
}
