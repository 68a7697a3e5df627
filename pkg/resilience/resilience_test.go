package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_Closed(t *testing.T) {
	cb := NewCircuitBreaker(3, 5*time.Second)

	err := cb.Execute(func() error {
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, 5*time.Second)

	testErr := errors.New("test error")

	for i := 0; i < 3; i++ {
		err := cb.Execute(func() error {
			return testErr
		})
		assert.Error(t, err)
	}

	assert.Equal(t, StateOpen, cb.GetState())

	err := cb.Execute(func() error {
		return nil
	})

	assert.Equal(t, ErrCircuitOpen, err)
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker(2, 100*time.Millisecond)

	testErr := errors.New("test error")

	for i := 0; i < 2; i++ {
		cb.Execute(func() error {
			return testErr
		})
	}

	assert.Equal(t, StateOpen, cb.GetState())

	time.Sleep(150 * time.Millisecond)

	err := cb.Execute(func() error {
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestTransient_Classification(t *testing.T) {
	base := errors.New("connection reset")

	assert.False(t, IsTransient(base))
	assert.True(t, IsTransient(Transient(base)))
	assert.Nil(t, Transient(nil))

	// marking survives wrapping
	wrapped := errors.Join(errors.New("outer"), Transient(base))
	assert.True(t, IsTransient(wrapped))
}

func TestRetry_Success(t *testing.T) {
	ctx := context.Background()
	config := DefaultRetryConfig()
	config.InitialInterval = 10 * time.Millisecond

	attempts := 0
	err := Retry(ctx, config, func() error {
		attempts++
		if attempts < 2 {
			return Transient(errors.New("temporary error"))
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetry_MaxAttemptsReached(t *testing.T) {
	ctx := context.Background()
	config := DefaultRetryConfig()
	config.MaxAttempts = 3
	config.InitialInterval = 10 * time.Millisecond

	attempts := 0
	testErr := Transient(errors.New("persistent error"))

	err := Retry(ctx, config, func() error {
		attempts++
		return testErr
	})

	assert.Error(t, err)
	assert.Equal(t, testErr, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_PermanentErrorNotRetried(t *testing.T) {
	ctx := context.Background()
	config := DefaultRetryConfig()
	config.InitialInterval = 10 * time.Millisecond

	attempts := 0
	testErr := errors.New("validation failed")

	err := Retry(ctx, config, func() error {
		attempts++
		return testErr
	})

	assert.Equal(t, testErr, err)
	assert.Equal(t, 1, attempts)
}

func TestRetry_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := DefaultRetryConfig()
	config.MaxAttempts = 10
	config.InitialInterval = 100 * time.Millisecond

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, config, func() error {
		return Transient(errors.New("error"))
	})

	assert.Error(t, err)
	assert.Equal(t, context.Canceled, err)
}

func TestRateLimiter_TryAcquire(t *testing.T) {
	rl := NewRateLimiter(2, 100*time.Millisecond)

	assert.True(t, rl.TryAcquire())
	assert.True(t, rl.TryAcquire())
	assert.False(t, rl.TryAcquire())

	time.Sleep(150 * time.Millisecond)

	assert.True(t, rl.TryAcquire())
}

func TestRateLimiter_AcquireWaits(t *testing.T) {
	rl := NewRateLimiter(1, 100*time.Millisecond)
	ctx := context.Background()

	assert.NoError(t, rl.Acquire(ctx))

	start := time.Now()
	err := rl.Acquire(ctx)
	duration := time.Since(start)

	assert.NoError(t, err)
	assert.True(t, duration >= 90*time.Millisecond)
}

func TestRateLimiter_AcquireWithTimeout(t *testing.T) {
	rl := NewRateLimiter(1, 1*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	assert.NoError(t, rl.Acquire(context.Background()))

	err := rl.Acquire(ctx)

	assert.Error(t, err)
	assert.Equal(t, context.DeadlineExceeded, err)
}

func TestRateLimiter_WindowNeverExceedsLimit(t *testing.T) {
	const limit = 7
	const callers = 10

	rl := NewRateLimiter(limit, 200*time.Millisecond)
	ctx := context.Background()

	var waited int32
	var wg sync.WaitGroup

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			assert.NoError(t, rl.Acquire(ctx))
			if time.Since(start) > 10*time.Millisecond {
				atomic.AddInt32(&waited, 1)
			}
			assert.LessOrEqual(t, rl.InWindow(), limit)
		}()
	}

	wg.Wait()

	// callers beyond the limit must each observe a real wait
	assert.GreaterOrEqual(t, atomic.LoadInt32(&waited), int32(callers-limit))
	assert.LessOrEqual(t, rl.InWindow(), limit)
}
