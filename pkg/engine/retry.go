package engine

import (
	"math"
	"time"
)

// Default retry configuration.
const (
	DefaultBackoffBase = 1 * time.Second
	DefaultBackoffCap  = 30 * time.Second
	DefaultMaxAttempts = 3
)

// RetryPolicy decides whether a failed attempt is retried and after which
// delay. It holds configuration only and is safe for concurrent use.
type RetryPolicy struct {
	// Base is the delay after the first failed attempt.
	Base time.Duration

	// Cap is the upper bound of any delay.
	Cap time.Duration

	// MaxAttempts is the attempt budget of retryable classifications.
	MaxAttempts int
}

// DefaultRetryPolicy returns the policy with default base, cap and attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:        DefaultBackoffBase,
		Cap:         DefaultBackoffCap,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Decision is the result of a retry decision.
type Decision struct {
	// Retry is true when another attempt should be made.
	Retry bool

	// Delay is the wait before the next attempt.
	Delay time.Duration
}

// GiveUp is the decision to stop retrying.
var GiveUp = Decision{}

// Retry returns a decision to retry after d.
func Retry(d time.Duration) Decision {
	return Decision{Retry: true, Delay: d}
}

// MaxAttemptsFor returns the attempt budget for an error classification.
// Validation and system errors get zero.
func (p RetryPolicy) MaxAttemptsFor(class ErrorClass) int {
	if !ClassRetryable(class) {
		return 0
	}
	if p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

// Decide returns Retry or GiveUp for the attempt with zero-based index
// attempt that just failed with the given classification.
func (p RetryPolicy) Decide(attempt, maxAttempts int, class ErrorClass) Decision {
	if !ClassRetryable(class) || attempt < 0 {
		return GiveUp
	}
	if attempt+1 >= maxAttempts {
		return GiveUp
	}
	return Retry(p.Backoff(attempt))
}

// Backoff returns min(Base * 2^attempt, Cap).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base, limit := p.Base, p.Cap
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if limit <= 0 {
		limit = DefaultBackoffCap
	}
	if attempt < 0 {
		attempt = 0
	}
	backoff := float64(base) * math.Pow(2, float64(attempt))
	if backoff > float64(limit) {
		return limit
	}
	return time.Duration(backoff)
}
