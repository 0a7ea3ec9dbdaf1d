package eventbus

import (
	"context"

	"github.com/aeiouboy/ris-pdm-performance/internal/core"
)

// DefaultTopic carries dashboard events from the sync loop to stream clients.
const DefaultTopic = "dashboard.events"

// Bus defines publish/subscribe semantics for dashboard events.
//
// A subscription lives until the context passed to Subscribe is done; its
// channel is closed afterwards.
type Bus interface {
	Publish(ctx context.Context, topic string, event core.Event) error
	Subscribe(ctx context.Context, topic string) (<-chan core.Event, error)
	Close() error
}
