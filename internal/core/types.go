package core

// TransportState is the lifecycle state of a push or pull transport.
type TransportState int

const (
	StateIdle TransportState = iota
	StateOpening
	StateOpen
	StateDegraded
	StateClosed
	StateExhausted
)

func (s TransportState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// MarshalText lets states appear by name in JSON and logs.
func (s TransportState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ConnectionType tells which transport currently backs realtime subscriptions.
type ConnectionType int

const (
	ConnectionNone ConnectionType = iota
	ConnectionOpening
	ConnectionPush
	ConnectionPull
)

func (c ConnectionType) String() string {
	switch c {
	case ConnectionOpening:
		return "opening"
	case ConnectionPush:
		return "push"
	case ConnectionPull:
		return "pull"
	default:
		return "none"
	}
}

// MarshalText lets connection types appear by name in JSON and logs.
func (c ConnectionType) MarshalText() ([]byte, error) { return []byte(c.String()), nil }
