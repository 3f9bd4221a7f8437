package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func TestPolicy_SucceedsFirstAttempt(t *testing.T) {
	p := Policy{MaxAttempts: 3, Sleep: noSleep}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestPolicy_RetriesTransientErrors(t *testing.T) {
	p := Policy{MaxAttempts: 3, Sleep: noSleep}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return MarkTransient(errors.New("rate limited"))
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPolicy_NonTransientFailsFast(t *testing.T) {
	p := Policy{MaxAttempts: 5, Sleep: noSleep}
	calls := 0
	permanent := errors.New("invalid api key")
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return permanent
	})
	assert.Equal(t, 1, calls)

	var attErr *AttemptsError
	require.ErrorAs(t, err, &attErr)
	assert.Equal(t, 1, attErr.Attempts)
	assert.ErrorIs(t, err, permanent)
}

func TestPolicy_ExhaustionReportsAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 3, Sleep: noSleep}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return MarkTransient(errors.New("still down"))
	})
	assert.Equal(t, 3, calls)

	var attErr *AttemptsError
	require.ErrorAs(t, err, &attErr)
	assert.Equal(t, 3, attErr.Attempts)
	assert.Contains(t, err.Error(), "after 3 attempt")
}

func TestPolicy_ZeroValueRunsOnce(t *testing.T) {
	var p Policy
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return MarkTransient(errors.New("transient"))
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestPolicy_ContextCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, Sleep: func(c context.Context, _ time.Duration) error {
		cancel()
		return c.Err()
	}}
	calls := 0
	err := p.Do(ctx, func(context.Context) error {
		calls++
		return MarkTransient(errors.New("down"))
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPolicy_DelayGrowthAndCap(t *testing.T) {
	p := Policy{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   300 * time.Millisecond,
		Multiplier: 2,
	}
	assert.Equal(t, 100*time.Millisecond, p.delay(1))
	assert.Equal(t, 200*time.Millisecond, p.delay(2))
	// Growth past the cap is clamped.
	assert.Equal(t, 300*time.Millisecond, p.delay(3))
	assert.Equal(t, 300*time.Millisecond, p.delay(10))
}

func TestPolicy_JitterStaysWithinBounds(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, Multiplier: 2, Jitter: 0.2}
	for i := 0; i < 50; i++ {
		d := p.delay(1)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.True(t, IsTransient(MarkTransient(errors.New("x"))))
	// Wrapping preserves classification.
	wrapped := MarkTransient(errors.New("inner"))
	assert.True(t, IsTransient(&AttemptsError{Attempts: 2, Err: wrapped}))
}

func TestMarkTransient_NilPassthrough(t *testing.T) {
	assert.Nil(t, MarkTransient(nil))
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 10*time.Second, p.MaxDelay)
}
