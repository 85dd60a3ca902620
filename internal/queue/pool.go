package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolMetrics is a snapshot of worker pool counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// WorkerPool bounds how many claimed queue items are processed at once.
type WorkerPool struct {
	size  int64
	slots *semaphore.Weighted

	closing context.Context
	close   context.CancelFunc
	mu      sync.Mutex // orders wg.Add against Shutdown
	wg      sync.WaitGroup

	active, completed, failed, panics atomic.Int64

	// onPanic receives recovered panics as errors.
	onPanic func(err error)
}

// NewWorkerPool creates a pool running at most size items at once.
func NewWorkerPool(size int) *WorkerPool {
	size = max(size, 1)
	closing, closeFn := context.WithCancel(context.Background())
	return &WorkerPool{
		size:    int64(size),
		slots:   semaphore.NewWeighted(int64(size)),
		closing: closing,
		close:   closeFn,
	}
}

// Size returns the pool's concurrency limit.
func (p *WorkerPool) Size() int { return int(p.size) }

// Idle reports whether a slot is free right now.
func (p *WorkerPool) Idle() bool { return p.active.Load() < p.size }

// Submit runs fn on a pool goroutine. It blocks while every slot is busy,
// until ctx ends or the pool shuts down.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.closing.Err() != nil {
		return ErrPoolShutdown
	}
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.closing, cancel)
	defer stop()

	if err := p.slots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrPoolShutdown
	}

	p.mu.Lock()
	if p.closing.Err() != nil {
		p.mu.Unlock()
		p.slots.Release(1)
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.active.Add(1)
	p.mu.Unlock()

	go p.run(ctx, fn)
	return nil
}

func (p *WorkerPool) run(ctx context.Context, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			if p.onPanic != nil {
				p.onPanic(fmt.Errorf("panic in queue worker: %v", r))
			}
		}
		p.active.Add(-1)
		p.slots.Release(1)
		p.wg.Done()
	}()

	if err := fn(ctx); err != nil {
		p.failed.Add(1)
		return
	}
	p.completed.Add(1)
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() { p.wg.Wait() }

// Shutdown rejects new work and waits for running work. It is idempotent.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	p.close()
	p.mu.Unlock()
	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
