package retry

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayd/internal/errors"
)

func TestBackoff_SuccessAfterRetries(t *testing.T) {
	b := &Backoff{InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 1.5, MaxAttempts: 10}
	calls := 0

	err := b.Do(context.Background(), func(attempt int) error {
		calls++
		if attempt < 3 {
			return fmt.Errorf("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestBackoff_PermanentError(t *testing.T) {
	b := &Backoff{InitialDelay: time.Millisecond}
	calls := 0

	err := b.Do(context.Background(), func(int) error {
		calls++
		return Permanent(fmt.Errorf("fatal"))
	})
	require.EqualError(t, err, "fatal")
	assert.Equal(t, 1, calls)
}

func TestBackoff_MaxAttempts(t *testing.T) {
	b := &Backoff{InitialDelay: time.Millisecond, MaxAttempts: 3}
	calls := 0

	err := b.Do(context.Background(), func(int) error {
		calls++
		return fmt.Errorf("always")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries (3) exceeded")
	assert.Equal(t, 3, calls)
}

func TestBackoff_ContextCancelled(t *testing.T) {
	b := &Backoff{InitialDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- b.Do(ctx, func(int) error { return fmt.Errorf("fail") })
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Do ignored cancellation")
	}
}

func TestBackoff_RetryableClassifier(t *testing.T) {
	b := DefaultBackoff()
	b.InitialDelay = time.Millisecond
	b.Jitter = false

	refused := &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("connection refused")}
	calls := 0
	err := b.Do(context.Background(), func(attempt int) error {
		calls++
		if attempt == 1 {
			return errors.Wrap("dial", "127.0.0.1:1", refused)
		}
		return errors.ErrAuthFailed
	})
	assert.ErrorIs(t, err, errors.ErrAuthFailed)
	assert.Equal(t, 2, calls)
}

func TestBackoff_OnRetry(t *testing.T) {
	var waits []time.Duration
	b := &Backoff{
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  4,
		OnRetry:      func(_ int, _ error, wait time.Duration) { waits = append(waits, wait) },
	}
	_ = b.Do(context.Background(), func(int) error { return fmt.Errorf("x") })
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}, waits)
}

func TestBackoff_Delay(t *testing.T) {
	b := &Backoff{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 3}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 300 * time.Millisecond},
		{3, 900 * time.Millisecond},
		{4, time.Second},
		{10, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "attempt %d", tt.attempt)
	}

	var zero Backoff
	assert.Equal(t, time.Second, zero.Delay(1))
	assert.Equal(t, 60*time.Second, zero.Delay(20))
}

func TestAddJitter_Bounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 1000; i++ {
		d := addJitter(base)
		require.GreaterOrEqual(t, d, 75*time.Millisecond)
		require.LessOrEqual(t, d, 125*time.Millisecond)
	}
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	inner := fmt.Errorf("boom")
	err := Permanent(inner)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, inner)
	assert.False(t, IsPermanent(inner))
}
