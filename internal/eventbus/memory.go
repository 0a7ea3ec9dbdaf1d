package eventbus

import (
	"context"
	"errors"
	"sync"

	"github.com/aeiouboy/ris-pdm-performance/internal/core"
)

// ErrClosed is returned when publishing to or subscribing on a closed bus.
var ErrClosed = errors.New("eventbus: closed")

// MemoryBus is an in-process Bus. Slow subscribers miss events instead of
// blocking publishers.
type MemoryBus struct {
	mu     sync.Mutex
	topics map[string]map[chan core.Event]struct{}
	buffer int
	closed bool
}

// NewMemoryBus returns a MemoryBus whose subscriber channels hold buffer events.
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryBus{topics: make(map[string]map[chan core.Event]struct{}), buffer: buffer}
}

// Publish fans the event out to current subscribers of topic.
func (b *MemoryBus) Publish(ctx context.Context, topic string, event core.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for ch := range b.topics[topic] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of events on topic, closed when ctx is done.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (<-chan core.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	ch := make(chan core.Event, b.buffer)
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[chan core.Event]struct{})
	}
	b.topics[topic][ch] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.topics[topic][ch]; ok {
			delete(b.topics[topic], ch)
			close(ch)
		}
	}()
	return ch, nil
}

// Close ends every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.topics {
		for ch := range subs {
			close(ch)
		}
	}
	b.topics = make(map[string]map[chan core.Event]struct{})
	b.closed = true
	return nil
}

var _ Bus = (*MemoryBus)(nil)
