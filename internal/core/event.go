package core

import (
	"encoding/json"
	"time"
)

// EventKind identifies the kind of dashboard event carried by a transport.
type EventKind int

const (
	KindGeneric EventKind = iota
	KindSprintUpdated
	KindWorkItemUpdated
	KindSyncCompleted
	KindHeartbeat
)

// Wire labels used by the event stream.
const (
	LabelGeneric         = "message"
	LabelSprintUpdated   = "sprint_data_updated"
	LabelWorkItemUpdated = "work_item_updated"
	LabelSyncCompleted   = "sync_completed"
	LabelHeartbeat       = "heartbeat"
)

// ParseEventKind maps a wire label to its kind. Unknown and empty labels are generic.
func ParseEventKind(label string) EventKind {
	switch label {
	case LabelSprintUpdated:
		return KindSprintUpdated
	case LabelWorkItemUpdated:
		return KindWorkItemUpdated
	case LabelSyncCompleted:
		return KindSyncCompleted
	case LabelHeartbeat:
		return KindHeartbeat
	default:
		return KindGeneric
	}
}

// Label returns the wire label of the kind.
func (k EventKind) Label() string {
	switch k {
	case KindSprintUpdated:
		return LabelSprintUpdated
	case KindWorkItemUpdated:
		return LabelWorkItemUpdated
	case KindSyncCompleted:
		return LabelSyncCompleted
	case KindHeartbeat:
		return LabelHeartbeat
	default:
		return LabelGeneric
	}
}

func (k EventKind) String() string { return k.Label() }

// Valid reports whether k is one of the declared kinds.
func (k EventKind) Valid() bool { return k >= KindGeneric && k <= KindHeartbeat }

// Kinds lists every kind a subscriber may observe.
func Kinds() []EventKind {
	return []EventKind{KindGeneric, KindSprintUpdated, KindWorkItemUpdated, KindSyncCompleted}
}

// Event is a dashboard event exchanged between the server and realtime clients.
type Event struct {
	ID        string          `json:"id"`
	Kind      EventKind       `json:"-"`
	Timestamp time.Time       `json:"timestamp"`
	UserID    string          `json:"userId,omitempty"`
	TeamID    string          `json:"teamId,omitempty"`
	ProjectID string          `json:"projectId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an event with the given payload marshalled as JSON.
func NewEvent(id string, kind EventKind, ts time.Time, payload interface{}) (Event, error) {
	ev := Event{ID: id, Kind: kind, Timestamp: ts}
	if payload == nil {
		return ev, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ev, err
	}
	ev.Data = data
	return ev, nil
}

// envelope is the JSON shape of an event on the wire; the kind travels as a label.
type envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	UserID    string          `json:"userId,omitempty"`
	TeamID    string          `json:"teamId,omitempty"`
	ProjectID string          `json:"projectId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON encodes the event including its wire label.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelope{
		ID:        e.ID,
		Type:      e.Kind.Label(),
		Timestamp: e.Timestamp,
		UserID:    e.UserID,
		TeamID:    e.TeamID,
		ProjectID: e.ProjectID,
		Data:      e.Data,
	})
}

// UnmarshalJSON decodes an event envelope.
func (e *Event) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	*e = Event{
		ID:        env.ID,
		Kind:      ParseEventKind(env.Type),
		Timestamp: env.Timestamp,
		UserID:    env.UserID,
		TeamID:    env.TeamID,
		ProjectID: env.ProjectID,
		Data:      env.Data,
	}
	return nil
}
