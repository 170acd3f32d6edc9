package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("creates with correct defaults", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)

		assert.Equal(t, 100*time.Millisecond, eb.InitialInterval)
		assert.Equal(t, 5*time.Second, eb.MaxInterval)
		assert.Equal(t, 2.0, eb.Multiplier)
		assert.Equal(t, 3, eb.MaxAttempts)
		assert.True(t, eb.Jitter)
	})

	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 1*time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			shouldRetry, delay := eb.ShouldRetry(i, errors.New("test"))
			assert.True(t, shouldRetry)
			assert.Greater(t, delay, time.Duration(0))
		}

		shouldRetry, delay := eb.ShouldRetry(3, errors.New("test"))
		assert.False(t, shouldRetry)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("negative max retries never gives up", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, -1)

		shouldRetry, _ := eb.ShouldRetry(1000, errors.New("test"))
		assert.True(t, shouldRetry)
	})

	t.Run("NextDelay calculates exponential backoff", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{2, 400 * time.Millisecond},
			{3, 800 * time.Millisecond},
			{4, 1600 * time.Millisecond},
			{10, 10 * time.Second},
		}

		for _, tt := range tests {
			t.Run(fmt.Sprintf("attempt %d", tt.attempt), func(t *testing.T) {
				assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt))
			})
		}
	})

	t.Run("NextDelay with jitter stays within 15 percent", func(t *testing.T) {
		eb := NewExponentialBackoff(1*time.Second, 10*time.Second, 2.0, 5)

		for i := 0; i < 20; i++ {
			delay := eb.NextDelay(0)
			assert.GreaterOrEqual(t, delay, 850*time.Millisecond)
			assert.LessOrEqual(t, delay, 1150*time.Millisecond)
		}
	})

	t.Run("respects non-retryable errors", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 1*time.Second, 2.0, 3)

		shouldRetry, _ := eb.ShouldRetry(0, Permanent(errors.New("bad credentials")))
		assert.False(t, shouldRetry)
	})
}

func TestFixedDelay(t *testing.T) {
	t.Run("NextDelay always returns same delay", func(t *testing.T) {
		fd := NewFixedDelay(750*time.Millisecond, 10)

		for i := 0; i < 10; i++ {
			assert.Equal(t, 750*time.Millisecond, fd.NextDelay(i))
		}
	})

	t.Run("ShouldRetry returns the fixed delay", func(t *testing.T) {
		fd := NewFixedDelay(5*time.Second, -1)

		shouldRetry, delay := fd.ShouldRetry(42, errors.New("consumer failed"))
		assert.True(t, shouldRetry)
		assert.Equal(t, 5*time.Second, delay)
	})
}

func TestRetry(t *testing.T) {
	t.Run("succeeds on first attempt", func(t *testing.T) {
		attempts := 0

		err := Retry(context.Background(), NewFixedDelay(100*time.Millisecond, 3), func() error {
			attempts++
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("retries on failure", func(t *testing.T) {
		attempts := 0

		err := Retry(context.Background(), NewFixedDelay(10*time.Millisecond, 3), func() error {
			attempts++
			if attempts < 3 {
				return errors.New("temporary error")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("wraps last error after max retries", func(t *testing.T) {
		attempts := 0
		persistent := errors.New("persistent error")

		err := Retry(context.Background(), NewFixedDelay(10*time.Millisecond, 2), func() error {
			attempts++
			return persistent
		})

		require.Error(t, err)
		assert.ErrorIs(t, err, persistent)

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.Equal(t, 3, attempts)
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		var attempts atomic.Int32

		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		err := Retry(ctx, NewFixedDelay(1*time.Second, 5), func() error {
			attempts.Add(1)
			return errors.New("error")
		})

		assert.Equal(t, context.Canceled, err)
		assert.LessOrEqual(t, attempts.Load(), int32(2))
	})

	t.Run("respects context deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		defer cancel()

		attempts := 0
		start := time.Now()

		err := Retry(ctx, NewFixedDelay(100*time.Millisecond, -1), func() error {
			attempts++
			return errors.New("error")
		})

		assert.Equal(t, context.DeadlineExceeded, err)
		assert.Less(t, attempts, 10)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		attempts := 0

		err := Retry(context.Background(), NewExponentialBackoff(time.Millisecond, 10*time.Millisecond, 2.0, 5), func() error {
			attempts++
			if attempts == 2 {
				return Permanent(errors.New("fatal error"))
			}
			return errors.New("retryable error")
		})

		require.Error(t, err)
		assert.Equal(t, "fatal error", err.Error())
		assert.Equal(t, 2, attempts)
	})

	t.Run("stops on wrapped ErrNonRetryable", func(t *testing.T) {
		attempts := 0

		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			attempts++
			return fmt.Errorf("config: %w", ErrNonRetryable)
		})

		assert.ErrorIs(t, err, ErrNonRetryable)
		assert.Equal(t, 1, attempts)
	})
}

func TestRetryWithNotify(t *testing.T) {
	var notified []int

	err := RetryWithNotify(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
		if len(notified) < 2 {
			return errors.New("dial failed")
		}
		return nil
	}, func(attempt int, err error, delay time.Duration) {
		notified = append(notified, attempt)
		assert.EqualError(t, err, "dial failed")
		assert.Equal(t, time.Millisecond, delay)
	})

	assert.NoError(t, err)
	assert.Equal(t, []int{1, 2}, notified)
}

func TestIsRetryableError(t *testing.T) {
	t.Run("nil error is not retryable", func(t *testing.T) {
		assert.False(t, IsRetryableError(nil))
	})

	t.Run("RetryableError respects Retryable field", func(t *testing.T) {
		assert.True(t, IsRetryableError(RetryableError{Err: errors.New("test"), Retryable: true}))
		assert.False(t, IsRetryableError(RetryableError{Err: errors.New("test"), Retryable: false}))
	})

	t.Run("classification survives wrapping", func(t *testing.T) {
		err := fmt.Errorf("connect: %w", Permanent(errors.New("access refused")))
		assert.False(t, IsRetryableError(err))
	})

	t.Run("unknown errors are retryable by default", func(t *testing.T) {
		assert.True(t, IsRetryableError(errors.New("unknown error")))
	})

	t.Run("Permanent of nil is nil", func(t *testing.T) {
		assert.NoError(t, Permanent(nil))
	})
}

func BenchmarkRetry(b *testing.B) {
	policy := NewExponentialBackoff(1*time.Microsecond, 10*time.Microsecond, 2.0, 3)
	ctx := context.Background()

	b.Run("successful operation", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_ = Retry(ctx, policy, func() error {
				return nil
			})
		}
	})
}
