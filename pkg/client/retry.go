package client

import (
	"time"
)

// RetryPolicy bounds automatic re-attempts of retryable failures
type RetryPolicy struct {
	MaxRetries int           // attempts after the first one
	BaseDelay  time.Duration // delay before the first retry
	MaxDelay   time.Duration // cap for any single delay
}

// DefaultRetryPolicy returns 2 retries with 1s base and 10s cap
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
	}
}

// Backoff returns min(base * 2^attempt, max) for a zero-based attempt index
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if p.BaseDelay <= 0 {
		return 0
	}
	// past 2^30 the cap has long been reached
	if attempt > 30 {
		return p.MaxDelay
	}

	delay := p.BaseDelay * time.Duration(1<<uint(attempt))
	if delay <= 0 || (p.MaxDelay > 0 && delay > p.MaxDelay) {
		return p.MaxDelay
	}
	return delay
}

// Budget is the longest a call may take when every attempt runs for
// perAttempt and every backoff is waited out
func (p RetryPolicy) Budget(perAttempt time.Duration) time.Duration {
	n := int(p.attempts())
	total := perAttempt * time.Duration(n)
	for i := 0; i < n-1; i++ {
		total += p.Backoff(i)
	}
	return total
}

// attempts is the total number of tries, never less than one
func (p RetryPolicy) attempts() uint {
	if p.MaxRetries < 0 {
		return 1
	}
	return uint(p.MaxRetries) + 1
}
