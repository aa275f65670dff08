// Package retry implements the backoff policy shared by the cache and
// health pipelines.
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// Policy computes exponential backoff with ceilings on delay and attempts.
// Eligibility is a pure function of (attempts, lastAttempt, now) so both
// pipelines share identical math.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Default returns the policy used when configuration is silent.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Minute,
		MaxDelay:    6 * time.Hour,
	}
}

// Delay returns the wait required after the given completed attempt count.
// attempts <= 0 means no prior attempt and no wait.
func (p Policy) Delay(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempts-1))
	if d > float64(p.MaxDelay) || d < 0 {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Eligible reports whether a new attempt may start now. Once the attempt
// ceiling is reached the entity is permanently failed until externally
// reset (e.g. by expiry).
func (p Policy) Eligible(attempts int, lastAttempt time.Time, now time.Time) bool {
	if attempts <= 0 {
		return true
	}
	if attempts >= p.MaxAttempts {
		return false
	}
	if lastAttempt.IsZero() {
		return true
	}
	return !now.Before(lastAttempt.Add(p.Delay(attempts)))
}

// Exhausted reports whether the attempt ceiling has been reached.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// Retryable reports whether the error class may be retried at all.
// Cancellation is not retried; everything else feeds the ceiling.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
