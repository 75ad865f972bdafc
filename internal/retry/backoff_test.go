package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fast(maxAttempts int) *Backoff {
	return &Backoff{
		InitialDelay: time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
		Multiplier:   1.5,
		MaxAttempts:  maxAttempts,
	}
}

func TestBackoff_SuccessAfterRetries(t *testing.T) {
	calls := 0
	err := fast(10).Do(context.Background(), func(attempt int) error {
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
	calls := 0
	err := DefaultBackoff().Do(context.Background(), func(_ int) error {
		calls++
		return Permanent(fmt.Errorf("fatal"))
	})
	require.Error(t, err)
	assert.Equal(t, "fatal", err.Error())
	assert.Equal(t, 1, calls)
}

func TestBackoff_RetryableClassifier(t *testing.T) {
	errAuth := errors.New("auth failed")
	b := fast(10)
	b.Retryable = func(err error) bool { return !errors.Is(err, errAuth) }

	calls := 0
	err := b.Do(context.Background(), func(attempt int) error {
		calls++
		if attempt == 1 {
			return fmt.Errorf("refused")
		}
		return errAuth
	})
	assert.ErrorIs(t, err, errAuth)
	assert.Equal(t, 2, calls)
}

func TestBackoff_MaxAttempts(t *testing.T) {
	var retried []int
	b := fast(3)
	b.OnRetry = func(attempt int, _ error, _ time.Duration) { retried = append(retried, attempt) }

	calls := 0
	err := b.Do(context.Background(), func(_ int) error {
		calls++
		return fmt.Errorf("always fails")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries (3)")
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestBackoff_ContextCancelled(t *testing.T) {
	b := &Backoff{InitialDelay: 5 * time.Second, MaxAttempts: 100}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := b.Do(ctx, func(_ int) error { return fmt.Errorf("fail") })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestIsPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	assert.True(t, IsPermanent(Permanent(fmt.Errorf("x"))))
	assert.True(t, IsPermanent(fmt.Errorf("wrapped: %w", Permanent(fmt.Errorf("x")))))
	assert.False(t, IsPermanent(fmt.Errorf("x")))
	assert.False(t, IsPermanent(nil))
}

func TestJitter_Range(t *testing.T) {
	d := 100 * time.Millisecond
	lower := time.Duration(float64(d) * 0.74)
	upper := time.Duration(float64(d) * 1.26)
	for i := 0; i < 100; i++ {
		j := addJitter(d)
		assert.True(t, j >= lower && j <= upper, "jitter %v out of range", j)
	}
}
