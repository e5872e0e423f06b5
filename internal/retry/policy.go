// Package retry computes when a failed operation becomes eligible again
// and when it has used up its attempts.
package retry

import (
	"math/rand"
	"time"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 2 * time.Second
	DefaultMaxDelay    = 10 * time.Minute
	DefaultMaxJitter   = time.Second
)

// Policy is an exponential backoff with additive jitter and an attempt ceiling.
// Delay(n) = min(BaseDelay * 2^(n-1), MaxDelay) + U[0, MaxJitter).
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxJitter   time.Duration
	MaxAttempts int

	// Jitter returns a value in [0, 1). Defaults to math/rand/v2.
	Jitter func() float64
}

// DefaultPolicy returns the policy used when nothing is configured
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		MaxJitter:   DefaultMaxJitter,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Delay returns the wait before the next attempt after retryCount failures
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}

	d := p.BaseDelay
	for i := 1; i < retryCount && i < 30 && (p.MaxDelay <= 0 || d < p.MaxDelay); i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}

	if p.MaxJitter > 0 {
		j := p.Jitter
		if j == nil {
			j = rand.Float64
		}
		d += time.Duration(j() * float64(p.MaxJitter))
	}
	return d
}

// NextEligibleAt returns when an operation with retryCount failures may be retried
func (p Policy) NextEligibleAt(retryCount int, now time.Time) time.Time {
	return now.Add(p.Delay(retryCount))
}

// Exhausted reports whether retryCount has reached the attempt ceiling
func (p Policy) Exhausted(retryCount int) bool {
	return p.MaxAttempts > 0 && retryCount >= p.MaxAttempts
}
