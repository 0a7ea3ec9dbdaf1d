// Package push implements the server-sent event transport used by realtime
// clients. A Transport keeps one long-lived stream open, reconnects with
// exponential backoff and gives up after a bounded number of consecutive
// failures.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aeiouboy/ris-pdm-performance/internal/core"
)

var (
	// ErrExhausted is returned by Open once the retry ceiling was reached.
	ErrExhausted = errors.New("push: retry attempts exhausted")
	// ErrClosed is returned by Open on a closed transport.
	ErrClosed = errors.New("push: transport closed")

	errOpenTimeout      = errors.New("push: open timed out")
	errHeartbeatTimeout = errors.New("push: heartbeat silence exceeded")
	errStreamEnded      = errors.New("push: stream ended")
)

// Doer performs HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures a Transport.
type Config struct {
	URL              string
	OpenTimeout      time.Duration
	HeartbeatTimeout time.Duration
	HeartbeatCheck   time.Duration
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	MaxAttempts      int
	Client           Doer
}

// DefaultConfig returns the production timings for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		OpenTimeout:      10 * time.Second,
		HeartbeatTimeout: 60 * time.Second,
		HeartbeatCheck:   5 * time.Second,
		BaseDelay:        time.Second,
		MaxDelay:         30 * time.Second,
		MaxAttempts:      5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.URL)
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.HeartbeatCheck <= 0 {
		c.HeartbeatCheck = d.HeartbeatCheck
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	return c
}

// Handlers receive events and state changes. The transport has one owner.
type Handlers struct {
	OnEvent func(core.Event)
	OnState func(core.TransportState)
}

// Stats is a snapshot of transport counters.
type Stats struct {
	State                 core.TransportState `json:"state"`
	SuccessfulConnections int64               `json:"successfulConnections"`
	MessagesReceived      int64               `json:"messagesReceived"`
	ReconnectAttempts     int64               `json:"reconnectAttempts"`
	ConsecutiveFailures   int                 `json:"consecutiveFailures"`
	LastEventAt           time.Time           `json:"lastEventAt"`
}

// Transport is a reconnecting SSE client.
type Transport struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	state  *machine

	mu        sync.Mutex
	handlers  Handlers
	gen       uint64
	cancel    context.CancelFunc
	failures  int
	exhausted bool
	stats     Stats
}

// New returns an idle Transport.
func New(cfg Config, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "push"),
		now:    time.Now,
		state:  newMachine(),
	}
}

// SetHandlers installs the owner's callbacks.
func (t *Transport) SetHandlers(h Handlers) {
	t.mu.Lock()
	t.handlers = h
	t.mu.Unlock()
}

// State returns the current transport state.
func (t *Transport) State() core.TransportState { return t.state.get() }

// Stats returns a snapshot of the transport counters.
func (t *Transport) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.stats
	st.State = t.state.get()
	st.ConsecutiveFailures = t.failures
	return st
}

// Open starts the connection loop. It returns immediately; progress is
// reported through the state handler. Calling Open on a running transport is
// a no-op.
func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	switch t.state.get() {
	case core.StateClosed:
		t.mu.Unlock()
		return ErrClosed
	case core.StateExhausted:
		t.mu.Unlock()
		return ErrExhausted
	case core.StateIdle:
	default:
		t.mu.Unlock()
		return nil
	}
	notify := t.startLocked(ctx)
	t.mu.Unlock()
	notify()
	return nil
}

// Close releases the connection and detaches the handlers. An event already
// handed to the owner may still complete.
func (t *Transport) Close() {
	t.mu.Lock()
	t.stopLocked()
	t.handlers = Handlers{}
	if err := t.state.to(core.StateClosed); err != nil {
		t.logger.Debug("close on closed transport", "error", err)
	}
	t.mu.Unlock()
}

// Reconnect tears down the current connection, resets the retry counters and
// opens again from Idle.
func (t *Transport) Reconnect(ctx context.Context) error {
	t.mu.Lock()
	t.stopLocked()
	var states []core.TransportState
	if s := t.state.get(); s != core.StateClosed && s != core.StateExhausted && s != core.StateIdle {
		if err := t.state.to(core.StateClosed); err == nil {
			states = append(states, core.StateClosed)
		}
	}
	if t.state.get() != core.StateIdle {
		if err := t.state.to(core.StateIdle); err != nil {
			t.mu.Unlock()
			return err
		}
		states = append(states, core.StateIdle)
	}
	t.failures = 0
	t.exhausted = false
	handler := t.handlers.OnState
	notify := t.startLocked(ctx)
	t.mu.Unlock()

	if handler != nil {
		for _, s := range states {
			handler(s)
		}
	}
	notify()
	return nil
}

// stopLocked cancels the running loop, if any. Late transitions from that
// loop are discarded because the generation changes.
func (t *Transport) stopLocked() {
	t.gen++
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// startLocked moves to Opening and returns a func, to be run once t.mu is
// released, that notifies the owner and launches the connection loop.
func (t *Transport) startLocked(parent context.Context) func() {
	t.gen++
	gen := t.gen
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	t.cancel = cancel
	if err := t.state.to(core.StateOpening); err != nil {
		t.logger.Warn("cannot open transport", "error", err)
		cancel()
		return func() {}
	}
	handler := t.handlers.OnState
	return func() {
		if handler != nil {
			handler(core.StateOpening)
		}
		go t.run(ctx, gen)
	}
}

// transition moves to next on behalf of loop generation gen and notifies the
// owner. It reports false when the loop is stale or the move is not allowed.
func (t *Transport) transition(gen uint64, next core.TransportState) bool {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return false
	}
	if err := t.state.to(next); err != nil {
		t.mu.Unlock()
		t.logger.Debug("transition rejected", "error", err)
		return false
	}
	handler := t.handlers.OnState
	t.mu.Unlock()
	if handler != nil {
		handler(next)
	}
	return true
}

func (t *Transport) run(ctx context.Context, gen uint64) {
	for {
		err := t.connect(ctx, gen)
		if ctx.Err() != nil {
			return
		}

		t.mu.Lock()
		t.failures++
		t.stats.ReconnectAttempts++
		failures := t.failures
		t.mu.Unlock()

		t.logger.Warn("event stream failed", "error", err, "consecutive_failures", failures)
		if !t.transition(gen, core.StateDegraded) {
			return
		}
		if failures >= t.cfg.MaxAttempts {
			t.mu.Lock()
			already := t.exhausted
			t.exhausted = true
			t.mu.Unlock()
			if !already {
				t.logger.Error("event stream retry ceiling reached", "attempts", failures)
				t.transition(gen, core.StateExhausted)
			}
			return
		}

		delay := BackoffDelay(t.cfg.BaseDelay, t.cfg.MaxDelay, failures)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if !t.transition(gen, core.StateOpening) {
			return
		}
	}
}

// connect opens the stream and pumps frames until it fails. It only returns
// with a nil error when ctx is done.
func (t *Transport) connect(ctx context.Context, gen uint64) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, t.cfg.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	timer := time.AfterFunc(t.cfg.OpenTimeout, cancel)
	resp, err := t.cfg.Client.Do(req)
	if !timer.Stop() {
		if err == nil {
			resp.Body.Close()
		}
		return errOpenTimeout
	}
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push: unexpected status %d", resp.StatusCode)
	}

	t.mu.Lock()
	t.failures = 0
	t.exhausted = false
	t.stats.SuccessfulConnections++
	t.stats.LastEventAt = t.now()
	t.mu.Unlock()
	if !t.transition(gen, core.StateOpen) {
		return ctx.Err()
	}

	frames := make(chan frame)
	errc := make(chan error, 1)
	go func() {
		errc <- readFrames(resp.Body, func(f frame) bool {
			select {
			case frames <- f:
				return true
			case <-connCtx.Done():
				return false
			}
		})
	}()

	ticker := time.NewTicker(t.cfg.HeartbeatCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-frames:
			t.dispatch(f)
		case err := <-errc:
			if err == nil {
				err = errStreamEnded
			}
			return err
		case now := <-ticker.C:
			if t.silentTooLong(now) {
				return errHeartbeatTimeout
			}
		}
	}
}

// silentTooLong reports whether no event arrived for strictly longer than the
// heartbeat timeout.
func (t *Transport) silentTooLong(now time.Time) bool {
	t.mu.Lock()
	last := t.stats.LastEventAt
	t.mu.Unlock()
	return now.Sub(last) > t.cfg.HeartbeatTimeout
}

func (t *Transport) dispatch(f frame) {
	now := t.now()
	ev := decodeFrame(f, now)

	t.mu.Lock()
	t.stats.MessagesReceived++
	t.stats.LastEventAt = now
	handler := t.handlers.OnEvent
	t.mu.Unlock()

	if handler != nil {
		handler(ev)
	}
}

// decodeFrame turns a frame into an event. The SSE label decides the kind;
// the data is read as an event envelope when possible.
func decodeFrame(f frame, now time.Time) core.Event {
	ev := core.Event{ID: f.id}
	if f.data != "" {
		var env core.Event
		if err := json.Unmarshal([]byte(f.data), &env); err == nil && (env.Data != nil || !env.Timestamp.IsZero() || env.ID != "") {
			ev = env
			if ev.ID == "" {
				ev.ID = f.id
			}
		} else if json.Valid([]byte(f.data)) {
			ev.Data = json.RawMessage(f.data)
		} else {
			raw, _ := json.Marshal(f.data)
			ev.Data = raw
		}
	}
	ev.Kind = core.ParseEventKind(f.event)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	return ev
}

// BackoffDelay returns the wait before the retry that follows the given
// number of consecutive failures: base, 2·base, 4·base, … capped at max.
func BackoffDelay(base, max time.Duration, failures int) time.Duration {
	if failures <= 1 {
		return min(base, max)
	}
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	return d
}
