package saga

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyBackoffSchedule(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		BackoffFactor:  2,
		MaxBackoff:     5 * time.Second,
	}

	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	// Capped from here on.
	assert.Equal(t, 5*time.Second, p.Backoff(4))
	assert.Equal(t, 5*time.Second, p.Backoff(10))
}

func TestRetryPolicyExhausted(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}

	assert.False(t, p.Exhausted(1))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
}

func TestRetryPolicyNormalizedFillsDefaults(t *testing.T) {
	assert.Equal(t, DefaultRetryPolicy, RetryPolicy{}.normalized())

	p := RetryPolicy{MaxAttempts: 1, AttemptTimeout: time.Second}.normalized()
	assert.Equal(t, 1, p.MaxAttempts)
	assert.Equal(t, time.Second, p.AttemptTimeout)
	assert.Equal(t, DefaultRetryPolicy.InitialBackoff, p.InitialBackoff)
	assert.Equal(t, DefaultRetryPolicy.BackoffFactor, p.BackoffFactor)
	assert.Equal(t, DefaultRetryPolicy.MaxBackoff, p.MaxBackoff)
}
