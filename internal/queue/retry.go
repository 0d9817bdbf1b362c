package queue

import "time"

// RetryPolicy bounds how often a failed task runs again.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

var (
	DispatchPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}
	DeliveryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}
)

// Backoff is the delay before the attempt after the given one:
// BaseDelay, 2*BaseDelay, 4*BaseDelay, ...
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 16 {
		shift = 16
	}
	return p.BaseDelay << uint(shift)
}

// ShouldRetry reports whether another attempt is allowed after the given one
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

// Exhausted reports whether the attempt is already past the limit, which
// happens when a broker redelivers an abandoned task.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt > p.MaxAttempts
}
