package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_ConcurrencyLimit(t *testing.T) {
	const size = 3
	pool := NewWorkerPool(size)
	defer pool.Shutdown()

	var current, peak int64
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			if c > peak {
				peak = c
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		}))
	}
	pool.Wait()

	assert.LessOrEqual(t, peak, int64(size))
	assert.Positive(t, peak)
	assert.Equal(t, int64(10), pool.Metrics().Completed)
	assert.Equal(t, size, pool.Size())
}

func TestWorkerPool_BackpressureRespectsContext(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	}))
	assert.False(t, pool.Idle())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	pool.Wait()
	assert.True(t, pool.Idle())
}

func TestWorkerPool_PanicRecovery(t *testing.T) {
	pool := NewWorkerPool(2)
	var reported atomic.Value
	pool.onPanic = func(err error) { reported.Store(err) }

	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		panic("boom")
	}))
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		return errors.New("failed")
	}))
	pool.Shutdown()

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(2), m.Failed)
	assert.Equal(t, int64(0), m.Active)
	err, _ := reported.Load().(error)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestWorkerPool_ShutdownWaitsAndRejects(t *testing.T) {
	pool := NewWorkerPool(2)
	var done int64
	for i := 0; i < 2; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&done, 1)
			return nil
		}))
	}
	pool.Shutdown()
	pool.Shutdown()

	assert.Equal(t, int64(2), atomic.LoadInt64(&done))
	err := pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolShutdown)
}

func TestBackoffPolicy_Compute(t *testing.T) {
	tests := []struct {
		name     string
		policy   BackoffPolicy
		attempts int
		want     time.Duration
	}{
		{"zero delay", BackoffPolicy{Strategy: BackoffExponential}, 3, 0},
		{"no attempts", DefaultBackoff(), 0, 0},
		{"none", BackoffPolicy{Strategy: BackoffNone, Delay: time.Second}, 2, 0},
		{"constant", BackoffPolicy{Strategy: BackoffConstant, Delay: time.Second}, 4, time.Second},
		{"linear", BackoffPolicy{Strategy: BackoffLinear, Delay: time.Second}, 3, 3 * time.Second},
		{"exponential first", DefaultBackoff(), 1, 2 * time.Second},
		{"exponential third", DefaultBackoff(), 3, 8 * time.Second},
		{"exponential capped", DefaultBackoff(), 30, time.Minute},
		{"linear capped", BackoffPolicy{Strategy: BackoffLinear, Delay: time.Second, MaxDelay: 2 * time.Second}, 5, 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Compute(tt.attempts))
		})
	}
}
