package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aeiouboy/ris-pdm-performance/internal/core"
	"github.com/aeiouboy/ris-pdm-performance/internal/eventbus"
	"github.com/aeiouboy/ris-pdm-performance/internal/health"
)

// HubStats is a snapshot of the event stream hub.
type HubStats struct {
	Clients     int64      `json:"clients"`
	Connections int64      `json:"connections"`
	Events      int64      `json:"events"`
	Heartbeats  int64      `json:"heartbeats"`
	LastEventAt *time.Time `json:"lastEventAt,omitempty"`
}

// Hub streams bus events to server-sent event clients. Every client gets its
// own bus subscription, scoped by the teamId and userId query parameters.
type Hub struct {
	bus       eventbus.Bus
	topic     string
	heartbeat time.Duration
	logger    *slog.Logger
	now       func() time.Time

	clients     atomic.Int64
	connections atomic.Int64
	events      atomic.Int64
	heartbeats  atomic.Int64

	mu          sync.Mutex
	lastEventAt time.Time
}

// NewHub returns a Hub reading topic from bus.
func NewHub(bus eventbus.Bus, topic string, heartbeat time.Duration, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if topic == "" {
		topic = eventbus.DefaultTopic
	}
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Hub{
		bus:       bus,
		topic:     topic,
		heartbeat: heartbeat,
		logger:    logger.With("component", "stream-hub"),
		now:       time.Now,
	}
}

// Stats returns the current counters.
func (h *Hub) Stats() HubStats {
	st := HubStats{
		Clients:     h.clients.Load(),
		Connections: h.connections.Load(),
		Events:      h.events.Load(),
		Heartbeats:  h.heartbeats.Load(),
	}
	h.mu.Lock()
	if !h.lastEventAt.IsZero() {
		last := h.lastEventAt
		st.LastEventAt = &last
	}
	h.mu.Unlock()
	return st
}

// Provider reports the hub as a health component. The hub is up whenever the
// process serves; the details carry the counters.
func (h *Hub) Provider(name string) health.Provider {
	return health.ProviderFunc{ID: name, Fn: func(context.Context) health.Component {
		return health.Component{State: health.StateUp, Details: h.Stats()}
	}}
}

// Stream serves one client until it disconnects or the server shuts down.
func (h *Hub) Stream(c *gin.Context) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events, err := h.bus.Subscribe(ctx, h.topic)
	if err != nil {
		h.logger.Warn("stream subscribe failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, response{Error: err.Error()})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, response{Error: "streaming unsupported"})
		return
	}
	setSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	flusher.Flush()

	teamID, userID := c.Query("teamId"), c.Query("userId")
	clientID := uuid.NewString()
	h.clients.Add(1)
	h.connections.Add(1)
	streamClients.Inc()
	defer func() {
		h.clients.Add(-1)
		streamClients.Dec()
		h.logger.Debug("stream client disconnected", "client", clientID)
	}()
	h.logger.Debug("stream client connected", "client", clientID, "team", teamID, "user", userID)

	if err := h.write(c.Writer, flusher, h.heartbeatEvent()); err != nil {
		return
	}
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !visible(ev, teamID, userID) {
				continue
			}
			if err := h.write(c.Writer, flusher, ev); err != nil {
				h.logger.Debug("stream write failed", "client", clientID, "error", err)
				return
			}
		case <-ticker.C:
			if err := h.write(c.Writer, flusher, h.heartbeatEvent()); err != nil {
				return
			}
		}
	}
}

func (h *Hub) heartbeatEvent() core.Event {
	return core.Event{ID: uuid.NewString(), Kind: core.KindHeartbeat, Timestamp: h.now()}
}

// write emits one frame: id, event label and the JSON envelope as data.
func (h *Hub) write(w io.Writer, flusher http.Flusher, ev core.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	label := ev.Kind.Label()
	if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, label, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	flusher.Flush()

	streamEvents.WithLabelValues(label).Inc()
	if ev.Kind == core.KindHeartbeat {
		h.heartbeats.Add(1)
		return nil
	}
	h.events.Add(1)
	h.mu.Lock()
	h.lastEventAt = h.now()
	h.mu.Unlock()
	return nil
}

// visible reports whether a client scoped to teamID and userID should see ev.
// Unscoped events go to everyone.
func visible(ev core.Event, teamID, userID string) bool {
	if teamID != "" && ev.TeamID != "" && ev.TeamID != teamID {
		return false
	}
	if userID != "" && ev.UserID != "" && ev.UserID != userID {
		return false
	}
	return true
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}
