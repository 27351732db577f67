// Package backoff provides a bounded exponential retry policy shared by the
// price feed reconnect loop and the persistent store retry wrapper.
package backoff

import (
	"context"
	"time"
)

// Policy describes a bounded exponential backoff: delay for attempt n is
// BaseDelay * Multiplier^n, capped at MaxDelay, for at most MaxAttempts
// attempts.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	MaxAttempts int
}

// Default is the policy used when none is configured.
var Default = Policy{
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    30 * time.Second,
	Multiplier:  2,
	MaxAttempts: 5,
}

// Delay returns the wait duration before retry attempt n (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		return p.BaseDelay
	}
	d := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
		if time.Duration(d) >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Retry runs fn up to MaxAttempts times, sleeping per the policy between
// attempts. It stops early when fn succeeds, when retryable returns false for
// the error, or when ctx is done. The last error is returned.
func Retry(ctx context.Context, p Policy, retryable func(error) bool, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}
	return err
}
