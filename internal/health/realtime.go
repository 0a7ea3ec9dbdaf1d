package health

import (
	"context"

	"github.com/aeiouboy/ris-pdm-performance/internal/core"
	"github.com/aeiouboy/ris-pdm-performance/internal/poll"
	"github.com/aeiouboy/ris-pdm-performance/internal/realtime"
)

// StatusSource is the part of the realtime coordinator the surface reads.
type StatusSource interface {
	Status() realtime.Status
}

// Realtime reports a realtime client: up on push, degraded while opening or
// polling, down with no transport. An offline client is up by configuration.
func Realtime(name string, src StatusSource) Provider {
	return ProviderFunc{ID: name, Fn: func(context.Context) Component {
		st := src.Status()
		c := Component{Details: st}
		switch {
		case st.Offline:
			c.State = StateUp
		case st.ConnectionType == core.ConnectionPush:
			c.State = StateUp
		case st.ConnectionType == core.ConnectionNone && st.Subscriptions > 0:
			c.State = StateDown
		case st.ConnectionType == core.ConnectionNone:
			c.State = StateUp
		default:
			c.State = StateDegraded
		}
		return c
	}}
}

// EndpointSource is the part of the poller the surface reads.
type EndpointSource interface {
	States() []poll.EndpointState
}

// Polling reports every known pull endpoint: down once all of them are
// exhausted, degraded while any is failing.
func Polling(name string, src EndpointSource) Provider {
	return ProviderFunc{ID: name, Fn: func(context.Context) Component {
		states := src.States()
		c := Component{State: StateUp, Details: states}
		exhausted := 0
		for _, st := range states {
			switch st.State {
			case core.StateExhausted:
				exhausted++
				c.State = StateDegraded
			case core.StateDegraded:
				c.State = StateDegraded
			}
		}
		if len(states) > 0 && exhausted == len(states) {
			c.State = StateDown
		}
		return c
	}}
}
