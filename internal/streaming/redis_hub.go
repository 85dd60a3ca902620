package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel RedisHub uses when none is set.
const DefaultRedisChannel = "credflow:events"

// RedisHub is an EventHub backed by Redis pub/sub, so that SSE subscribers
// connected to one replica see events produced by workers on another.
type RedisHub struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

// RedisOption configures a RedisHub.
type RedisOption func(*RedisHub)

// WithChannel overrides the pub/sub channel name.
func WithChannel(name string) RedisOption {
	return func(h *RedisHub) { h.channel = name }
}

// WithLogger sets the logger used for undecodable messages.
func WithLogger(l *slog.Logger) RedisOption {
	return func(h *RedisHub) { h.logger = l }
}

// NewRedisHub creates a hub over client. The caller owns the client lifecycle.
func NewRedisHub(client redis.UniversalClient, opts ...RedisOption) *RedisHub {
	h := &RedisHub{client: client, channel: DefaultRedisChannel, logger: slog.Default()}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Ping checks connectivity.
func (h *RedisHub) Ping(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}

// Publish encodes event as JSON and publishes it on the hub channel.
func (h *RedisHub) Publish(ctx context.Context, event StreamEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("streaming/redis: marshal event: %w", err)
	}
	if err := h.client.Publish(ctx, h.channel, body).Err(); err != nil {
		return fmt.Errorf("streaming/redis: publish: %w", err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription and forwards matching events.
// Like MemoryHub, events are dropped for a subscriber that falls behind.
func (h *RedisHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	ps := h.client.Subscribe(ctx, h.channel)
	// Wait for the subscription confirmation so no event published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, nil, fmt.Errorf("streaming/redis: subscribe: %w", err)
	}

	out := make(chan StreamEvent, DefaultBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev StreamEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					h.logger.Warn("dropping undecodable stream event", "channel", msg.Channel, "error", err)
					continue
				}
				if !matchFilter(filter, ev) {
					continue
				}
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			ps.Close()
		})
	}
	return out, cancel, nil
}
