// Retry policy for uploads: exponential backoff with jitter and a bounded attempt count
package upload

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how an upload is retried.
type RetryPolicy struct {
	MaxAttempts     int           // total tries including the first
	InitialInterval time.Duration // wait before the second try
	Multiplier      float64
	MaxInterval     time.Duration
	Jitter          float64       // randomization factor in [0, 1)
	MaxElapsed      time.Duration // zero keeps the backoff library's default ceiling
}

// DefaultRetryPolicy returns 3 attempts starting at 1s, doubling up to 32s
// with 10% jitter, abandoned after 2 minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		Multiplier:      2,
		MaxInterval:     32 * time.Second,
		Jitter:          0.1,
		MaxElapsed:      2 * time.Minute,
	}
}

// Validate checks the policy is usable.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("retry max attempts must be at least 1, got %d", p.MaxAttempts)
	case p.InitialInterval <= 0:
		return fmt.Errorf("retry initial interval must be positive, got %s", p.InitialInterval)
	case p.Multiplier < 1:
		return fmt.Errorf("retry multiplier must be at least 1, got %g", p.Multiplier)
	case p.MaxInterval < p.InitialInterval:
		return fmt.Errorf("retry max interval %s is below initial interval %s", p.MaxInterval, p.InitialInterval)
	case p.Jitter < 0 || p.Jitter >= 1:
		return fmt.Errorf("retry jitter must be in [0, 1), got %g", p.Jitter)
	case p.MaxElapsed < 0:
		return fmt.Errorf("retry max elapsed must not be negative, got %s", p.MaxElapsed)
	}
	return nil
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxInterval
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}
