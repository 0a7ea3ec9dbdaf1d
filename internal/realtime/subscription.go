package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeiouboy/ris-pdm-performance/internal/core"
)

// origin tells which transport produced a delivery. Push timestamps come
// from the server clock and pull timestamps from the local fetch time, so
// each origin keeps its own ordering watermark.
type origin int

const (
	originNone origin = iota
	originPush
	originPull
)

// subscription is the coordinator's record of one component's interest.
type subscription struct {
	id          string
	componentID string
	kind        core.EventKind
	userID      string
	teamID      string
	filter      func(core.Event) bool
	cb          Callback
	endpoint    string

	active atomic.Bool

	// deliverMu serialises callbacks for this subscription and guards the
	// fields below.
	deliverMu sync.Mutex
	received  bool
	lastPush  time.Time
	lastPull  time.Time
}

// watermark returns the newest timestamp delivered from o, or nil when o
// carries no ordering.
func (s *subscription) watermark(o origin) *time.Time {
	switch o {
	case originPush:
		return &s.lastPush
	case originPull:
		return &s.lastPull
	default:
		return nil
	}
}

// matchesKey reports whether ev carries the user and team s asked for.
func (s *subscription) matchesKey(ev core.Event) bool {
	if s.userID != "" && s.userID != ev.UserID {
		return false
	}
	if s.teamID != "" && s.teamID != ev.TeamID {
		return false
	}
	return true
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	ID          string
	ComponentID string
	Kind        core.EventKind

	c *Coordinator
	s *subscription
}

// Close removes the subscription. It is safe to call more than once, and
// from inside the subscription's own callback. Closing a subscription that
// has been replaced by a newer one for the same component leaves the newer
// one in place.
func (sub *Subscription) Close() {
	if sub == nil || sub.c == nil {
		return
	}
	sub.c.unsubscribe(sub.s)
}

// Active reports whether the subscription still receives deliveries.
func (sub *Subscription) Active() bool {
	return sub != nil && sub.s != nil && sub.s.active.Load()
}
