package saga

import "time"

// DefaultRetryPolicy is applied wherever a step leaves its policy zero-valued.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: time.Second,
	BackoffFactor:  2,
	MaxBackoff:     30 * time.Second,
	AttemptTimeout: 30 * time.Second,
}

// RetryPolicy bounds how often and how patiently a single step direction is
// attempted. MaxAttempts counts attempts, not re-tries: MaxAttempts of 3
// means one initial attempt plus two retries. AttemptTimeout is the time the
// engine waits for a reply to one dispatched command before treating the
// attempt as timed out.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	BackoffFactor  float64
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

// normalized fills zero fields with the defaults so the engine never has to
// special-case an unset policy.
func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultRetryPolicy.InitialBackoff
	}
	if p.BackoffFactor < 1 {
		p.BackoffFactor = DefaultRetryPolicy.BackoffFactor
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultRetryPolicy.MaxBackoff
	}
	if p.AttemptTimeout <= 0 {
		p.AttemptTimeout = DefaultRetryPolicy.AttemptTimeout
	}
	return p
}

// Backoff returns the delay before the attempt following failedAttempt
// (1-based). The schedule grows geometrically from InitialBackoff by
// BackoffFactor and is capped at MaxBackoff.
func (p RetryPolicy) Backoff(failedAttempt int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < failedAttempt; i++ {
		d = time.Duration(float64(d) * p.BackoffFactor)
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Exhausted reports whether no attempts remain after failedAttempt.
func (p RetryPolicy) Exhausted(failedAttempt int) bool {
	return failedAttempt >= p.MaxAttempts
}
