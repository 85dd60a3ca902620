package streaming

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// MemoryHub is an in-process EventHub. It fans out to subscribers of this
// process only; use RedisHub when API and runners are separate processes.
type MemoryHub struct {
	buffer int

	mu   sync.RWMutex
	subs map[*memorySub]struct{}

	dropped atomic.Uint64
}

type memorySub struct {
	ch     chan StreamEvent
	filter EventFilter
	once   sync.Once
}

// MemoryOption configures a MemoryHub.
type MemoryOption func(*MemoryHub)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) MemoryOption {
	return func(h *MemoryHub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// NewMemoryHub creates a MemoryHub.
func NewMemoryHub(opts ...MemoryOption) *MemoryHub {
	h := &MemoryHub{buffer: DefaultBuffer, subs: make(map[*memorySub]struct{})}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Publish delivers event to every matching subscriber without blocking.
// A subscriber whose buffer is full misses the event; the persisted event
// log still has it.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		if !matchFilter(sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a subscriber. The returned cancel func is idempotent
// and closes the channel; cancelling ctx has the same effect.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	sub := &memorySub{ch: make(chan StreamEvent, h.buffer), filter: filter}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			h.mu.Lock()
			delete(h.subs, sub)
			h.mu.Unlock()
			close(sub.ch)
		})
	}
	context.AfterFunc(ctx, cancel)
	return sub.ch, cancel, nil
}

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}
