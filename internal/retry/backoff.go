// Package retry runs operations under exponential backoff.  The agent
// client uses it to ride out a server that is still starting.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"relayd/internal/errors"
)

// PermanentError wraps an error to signal that retrying will not help.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.  Do returns the inner error
// immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err has been marked as permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Backoff implements exponential backoff with optional jitter.  The
// zero value retries every 1s, 2s, 4s … up to 60s, forever.
type Backoff struct {
	InitialDelay time.Duration // default 1s
	MaxDelay     time.Duration // default 60s
	Multiplier   float64       // default 2
	MaxAttempts  int           // total tries including the first; 0 = until ctx ends
	Jitter       bool          // ±25%

	// Retryable decides whether a failure earns another attempt.  Nil
	// retries everything not wrapped with Permanent.
	Retryable func(error) bool

	// OnRetry sees each failure that will be retried, before the wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultBackoff is the agent dial policy: 10 attempts from 1s with
// jitter, retrying transient network errors only.
func DefaultBackoff() *Backoff {
	return &Backoff{
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  10,
		Jitter:       true,
		Retryable:    errors.IsRetryable,
	}
}

// Delay is the un-jittered wait after the given 1-based attempt.
func (b *Backoff) Delay(attempt int) time.Duration {
	initial := b.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	mult := b.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	maxDelay := b.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	d := float64(initial) * math.Pow(mult, float64(attempt-1))
	if d > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}

// Do calls fn until it succeeds, fails permanently, or the attempt or
// context budget runs out.  The attempt passed to fn is 1-based.
func (b *Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return errors.Unwrap(err)
		}
		if b.Retryable != nil && !b.Retryable(err) {
			return err
		}
		if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
			return fmt.Errorf("max retries (%d) exceeded: %w", b.MaxAttempts, err)
		}

		wait := b.Delay(attempt)
		if b.Jitter {
			wait = addJitter(wait)
		}
		if b.OnRetry != nil {
			b.OnRetry(attempt, err, wait)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-t.C:
		}
	}
}

// addJitter adds ±25% randomisation to a duration.
func addJitter(d time.Duration) time.Duration {
	quarter := float64(d) * 0.25
	delta := (rand.Float64() * 2 * quarter) - quarter
	return time.Duration(math.Max(float64(d)+delta, float64(time.Millisecond)))
}
