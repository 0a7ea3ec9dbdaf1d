package push

import (
	"fmt"
	"sync"

	"github.com/aeiouboy/ris-pdm-performance/internal/core"
)

// transitions lists the state changes the transport may make.
var transitions = map[core.TransportState][]core.TransportState{
	core.StateIdle:      {core.StateOpening, core.StateClosed},
	core.StateOpening:   {core.StateOpen, core.StateDegraded, core.StateClosed},
	core.StateOpen:      {core.StateDegraded, core.StateClosed},
	core.StateDegraded:  {core.StateOpening, core.StateExhausted, core.StateClosed},
	core.StateExhausted: {core.StateIdle, core.StateClosed},
	core.StateClosed:    {core.StateIdle},
}

// machine holds the single current state of a transport.
type machine struct {
	mu      sync.RWMutex
	current core.TransportState
}

func newMachine() *machine { return &machine{current: core.StateIdle} }

// to moves the machine to next if the transition table allows it.
func (m *machine) to(next core.TransportState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, allowed := range transitions[m.current] {
		if allowed == next {
			m.current = next
			return nil
		}
	}
	return fmt.Errorf("push: invalid transition %s -> %s", m.current, next)
}

// get returns the current state.
func (m *machine) get() core.TransportState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}
