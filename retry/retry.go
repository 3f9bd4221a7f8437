// Package retry implements bounded exponential backoff with jitter for
// transient backend failures. The provider adapters retry rate-limit and
// availability errors with a Policy; everything else fails fast.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Transient marks an error as retryable. Backend adapters wrap rate limit
// and availability errors with MarkTransient; everything else fails fast.
type Transient interface {
	Transient() bool
}

type transientErr struct {
	err error
}

func (e *transientErr) Error() string   { return e.err.Error() }
func (e *transientErr) Unwrap() error   { return e.err }
func (e *transientErr) Transient() bool { return true }

// MarkTransient wraps err so a Policy will retry it.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientErr{err: err}
}

// IsTransient reports whether err (or anything it wraps) opted into retries.
func IsTransient(err error) bool {
	var t Transient
	return errors.As(err, &t) && t.Transient()
}

// AttemptsError carries the attempt count alongside the last failure so
// callers can report how hard the operation was tried.
type AttemptsError struct {
	Attempts int
	Err      error
}

func (e *AttemptsError) Error() string {
	return fmt.Sprintf("failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *AttemptsError) Unwrap() error { return e.Err }

// Policy configures retry behavior. The zero value retries nothing; use
// DefaultPolicy for sensible backend defaults.
type Policy struct {
	// MaxAttempts is the total number of tries including the first.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the grown delay.
	MaxDelay time.Duration

	// Multiplier grows the delay between retries (default 2).
	Multiplier float64

	// Jitter randomizes each delay within ±Jitter fraction of itself
	// (0.2 means ±20%). Zero disables jitter.
	Jitter float64

	// Sleep is injectable for tests. Defaults to a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns the backend-calling defaults: 3 attempts, 500ms base
// delay doubling up to 10s, 20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
		Jitter:      0.2,
	}
}

// Do runs fn until it succeeds, returns a non-transient error, or attempts
// are exhausted. Exhaustion and non-transient failures surface as an
// *AttemptsError wrapping the last error.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) || attempt == attempts {
			return &AttemptsError{Attempts: attempt, Err: lastErr}
		}
		if err := sleep(ctx, p.delay(attempt)); err != nil {
			return err
		}
	}
	return &AttemptsError{Attempts: attempts, Err: lastErr}
}

// delay computes the backoff before the retry following the given attempt.
func (p Policy) delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	mult := p.Multiplier
	if mult <= 1 {
		mult = 2
	}

	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= mult
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		// Uniform in [d*(1-jitter), d*(1+jitter)].
		d *= 1 + p.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
