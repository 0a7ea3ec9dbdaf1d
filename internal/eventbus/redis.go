package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aeiouboy/ris-pdm-performance/internal/core"
)

// RedisBus implements Bus using Redis Pub/Sub with automatic reconnection.
type RedisBus struct {
	mu      sync.Mutex
	client  *redis.Client
	options *redis.Options
	subs    map[*redis.PubSub]struct{}
	closed  bool
	logger  *slog.Logger
}

// NewRedisBus creates a new Redis-backed event bus using the given options.
func NewRedisBus(opts *redis.Options, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{
		client:  redis.NewClient(opts),
		options: opts,
		subs:    make(map[*redis.PubSub]struct{}),
		logger:  logger,
	}
}

// conn returns the current client.
func (b *RedisBus) conn() *redis.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}

// reconnect swaps failed for a fresh client unless another caller already
// did. Live subscriptions keep their own connections.
func (b *RedisBus) reconnect(failed *redis.Client, cause error) (*redis.Client, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false
	}
	if b.client == failed {
		b.logger.Warn("eventbus reconnecting to Redis", "error", cause)
		b.client = redis.NewClient(b.options)
	}
	return b.client, true
}

// Ping reports whether Redis answers.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.conn().Ping(ctx).Err()
}

// Publish sends an event to a topic.
func (b *RedisBus) Publish(ctx context.Context, topic string, event core.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("eventbus: encode event: %w", err)
	}
	client := b.conn()
	err = client.Publish(ctx, topic, data).Err()
	if err != nil && ctx.Err() == nil {
		if next, ok := b.reconnect(client, err); ok {
			err = next.Publish(ctx, topic, data).Err()
		}
	}
	if err != nil {
		return fmt.Errorf("eventbus: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe listens for events on a topic until ctx is done.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan core.Event, error) {
	client := b.conn()
	ps, err := b.confirm(ctx, client, topic)
	if err != nil && ctx.Err() == nil {
		if next, ok := b.reconnect(client, err); ok {
			ps, err = b.confirm(ctx, next, topic)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("eventbus: subscribe %s: %w", topic, err)
	}
	b.mu.Lock()
	b.subs[ps] = struct{}{}
	b.mu.Unlock()

	ch := make(chan core.Event)
	go func() {
		defer close(ch)
		defer b.release(ps)
		for {
			msg, err := ps.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || b.isClosed() {
					return
				}
				b.logger.Warn("eventbus receive error", "topic", topic, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			var ev core.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn("eventbus dropped undecodable message", "topic", topic, "error", err)
				continue
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// confirm subscribes to topic and waits for the server's confirmation so
// events published right after Subscribe returns are not lost.
func (b *RedisBus) confirm(ctx context.Context, client *redis.Client, topic string) (*redis.PubSub, error) {
	ps := client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return ps, nil
}

func (b *RedisBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *RedisBus) release(ps *redis.PubSub) {
	b.mu.Lock()
	delete(b.subs, ps)
	b.mu.Unlock()
	_ = ps.Close()
}

// Close terminates all subscriptions and closes the client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ps := range b.subs {
		_ = ps.Close()
	}
	b.subs = make(map[*redis.PubSub]struct{})
	b.closed = true
	return b.client.Close()
}

var _ Bus = (*RedisBus)(nil)
