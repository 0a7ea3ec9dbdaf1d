// Package realtime multiplexes dashboard subscriptions over one shared
// transport. The Coordinator prefers the push event stream, falls back to
// polling when the stream is unavailable and serves the last known value to
// late subscribers.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aeiouboy/ris-pdm-performance/internal/core"
	"github.com/aeiouboy/ris-pdm-performance/internal/poll"
	"github.com/aeiouboy/ris-pdm-performance/internal/push"
)

var (
	// ErrInvalidSubscription is returned by Subscribe for unusable arguments.
	ErrInvalidSubscription = errors.New("realtime: invalid subscription")
	// ErrClosed is returned by Subscribe after Close.
	ErrClosed = errors.New("realtime: coordinator closed")
)

// PushTransport is the event stream the coordinator owns.
type PushTransport interface {
	SetHandlers(h push.Handlers)
	Open(ctx context.Context) error
	Reconnect(ctx context.Context) error
	Close()
	State() core.TransportState
	Stats() push.Stats
}

// PullTransport is the polling fallback.
type PullTransport interface {
	Start(path string, opts poll.Options)
	Stop(path string)
	Subscribe(path string, cb func(core.Delivery)) func()
	FetchOnce(ctx context.Context, path string) error
	LastValue(path string) (json.RawMessage, time.Time, bool)
	State(path string) poll.EndpointState
}

// Config configures a Coordinator.
type Config struct {
	GracePeriod    time.Duration
	PollInterval   time.Duration
	RefreshTimeout time.Duration
	// Endpoints maps each kind to the polling path serving it. Kinds without
	// an endpoint are served by the push stream only.
	Endpoints map[core.EventKind]string
	// Offline never opens a transport; only cached values and Refresh work.
	Offline bool
}

// DefaultEndpoints are the polling paths of the dashboard server.
func DefaultEndpoints() map[core.EventKind]string {
	return map[core.EventKind]string{
		core.KindSprintUpdated:   "/api/metrics/sprints",
		core.KindWorkItemUpdated: "/api/workitems",
		core.KindSyncCompleted:   "/api/sync/status",
		core.KindGeneric:         "/api/metrics/overview",
	}
}

// DefaultConfig returns production timings.
func DefaultConfig() Config {
	return Config{
		GracePeriod:    5 * time.Second,
		PollInterval:   30 * time.Second,
		RefreshTimeout: 10 * time.Second,
		Endpoints:      DefaultEndpoints(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.GracePeriod <= 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = d.RefreshTimeout
	}
	if c.Endpoints == nil {
		c.Endpoints = d.Endpoints
	}
	return c
}

// Options narrows a subscription.
type Options struct {
	UserID string
	TeamID string
	Filter func(core.Event) bool
}

// Callback receives deliveries for one subscription.
type Callback func(core.Delivery)

// Status is a snapshot of the coordinator.
type Status struct {
	ConnectionType   core.ConnectionType  `json:"connectionType"`
	PushState        core.TransportState  `json:"pushState"`
	Offline          bool                 `json:"offline"`
	Subscriptions    int                  `json:"subscriptions"`
	PullEndpoints    []poll.EndpointState `json:"pullEndpoints"`
	MessagesReceived int64                `json:"messagesReceived"`
	Deliveries       int64                `json:"deliveries"`
	DroppedStale     int64                `json:"droppedStale"`
	CallbackFailures int64                `json:"callbackFailures"`
	LastMessageAt    time.Time            `json:"lastMessageAt"`
}

// cacheKey identifies the push values a late subscriber may be served.
type cacheKey struct {
	kind   core.EventKind
	userID string
	teamID string
}

// link is the coordinator's single pull subscription for one endpoint.
type link struct {
	refs      int
	unsub     func()
	removed   bool
	exhausted bool
}

type counters struct {
	messages         int64
	deliveries       int64
	droppedStale     int64
	callbackFailures int64
	lastMessageAt    time.Time
}

// Coordinator owns the push transport and every subscription.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger
	push   PushTransport
	pull   PullTransport
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	subs         map[string]*subscription
	links        map[string]*link
	pushCache    map[cacheKey]core.Event
	connType     core.ConnectionType
	pushStarted  bool
	pullActive   bool
	grace        *time.Timer
	listeners    map[int]func(Status)
	nextListener int
	closed       bool
	stats        counters
}

// New wires a coordinator to its transports. The push transport's handlers
// are replaced by the coordinator's.
func New(cfg Config, pushT PushTransport, pullT PullTransport, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:       cfg.withDefaults(),
		logger:    logger.With("component", "realtime"),
		push:      pushT,
		pull:      pullT,
		ctx:       ctx,
		cancel:    cancel,
		subs:      make(map[string]*subscription),
		links:     make(map[string]*link),
		pushCache: make(map[cacheKey]core.Event),
		listeners: make(map[int]func(Status)),
	}
	pushT.SetHandlers(push.Handlers{OnEvent: c.onPushEvent, OnState: c.onPushState})
	return c
}

// endpointFor resolves the polling path for a subscription key.
func (c *Coordinator) endpointFor(kind core.EventKind, opts Options) string {
	base, ok := c.cfg.Endpoints[kind]
	if !ok || base == "" {
		return ""
	}
	if opts.UserID == "" && opts.TeamID == "" {
		return base
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	if opts.TeamID != "" {
		q.Set("teamId", opts.TeamID)
	}
	if opts.UserID != "" {
		q.Set("userId", opts.UserID)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Subscribe registers cb for kind on behalf of componentID, replacing any
// subscription the component already holds. If a value is cached for the
// subscription, cb receives it before Subscribe returns. Heartbeats carry no
// payload, so a heartbeat subscription only receives status deliveries.
func (c *Coordinator) Subscribe(componentID string, kind core.EventKind, cb Callback, opts Options) (*Subscription, error) {
	if componentID == "" || cb == nil || !kind.Valid() {
		return nil, ErrInvalidSubscription
	}
	s := &subscription{
		id:          uuid.NewString(),
		componentID: componentID,
		kind:        kind,
		userID:      opts.UserID,
		teamID:      opts.TeamID,
		filter:      opts.Filter,
		cb:          cb,
		endpoint:    c.endpointFor(kind, opts),
	}
	s.active.Store(true)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	var cleanup []func()
	if prev, ok := c.subs[componentID]; ok {
		cleanup = append(cleanup, c.detachLocked(prev)...)
	}
	c.subs[componentID] = s

	var (
		attach    *link
		startLoop bool
	)
	if s.endpoint != "" {
		l, ok := c.links[s.endpoint]
		if !ok {
			l = &link{}
			c.links[s.endpoint] = l
			attach = l
			startLoop = c.pullActive
		}
		l.refs++
	}
	candidates := c.cacheCandidatesLocked(s)

	startPush := !c.pushStarted && !c.cfg.Offline
	if startPush {
		c.pushStarted = true
		c.setConnTypeLocked(core.ConnectionOpening)
		c.armGraceLocked()
	}
	c.mu.Unlock()

	for _, fn := range cleanup {
		fn()
	}
	if attach != nil {
		c.attach(s.endpoint, attach)
	}
	if cached, from, ok := c.cachedFor(s, candidates); ok {
		c.deliver(s, cached, from)
	}
	if startLoop {
		c.pull.Start(s.endpoint, c.pollOptions(s.endpoint))
	}
	if startPush {
		if err := c.push.Open(c.ctx); err != nil {
			c.logger.Warn("push transport did not open", "error", err)
		}
		c.emitStatus()
	}
	subscriptionsActive.Inc()
	return &Subscription{ID: s.id, ComponentID: componentID, Kind: kind, c: c, s: s}, nil
}

// attach subscribes the coordinator to the pull endpoint once.
func (c *Coordinator) attach(endpoint string, l *link) {
	unsub := c.pull.Subscribe(endpoint, func(d core.Delivery) { c.onPull(endpoint, d) })
	c.mu.Lock()
	if l.removed {
		c.mu.Unlock()
		unsub()
		return
	}
	l.unsub = unsub
	c.mu.Unlock()
}

// Unsubscribe removes the subscription held by componentID. It is a no-op
// when there is none. Once it returns the callback is not invoked again.
func (c *Coordinator) Unsubscribe(componentID string) {
	c.mu.Lock()
	s, ok := c.subs[componentID]
	if !ok {
		c.mu.Unlock()
		return
	}
	cleanup := c.detachLocked(s)
	c.mu.Unlock()
	for _, fn := range cleanup {
		fn()
	}
}

// unsubscribe removes s if it is still the component's subscription.
func (c *Coordinator) unsubscribe(s *subscription) {
	c.mu.Lock()
	if cur, ok := c.subs[s.componentID]; !ok || cur != s {
		c.mu.Unlock()
		s.active.Store(false)
		return
	}
	cleanup := c.detachLocked(s)
	c.mu.Unlock()
	for _, fn := range cleanup {
		fn()
	}
}

// detachLocked deactivates s and returns work to run once c.mu is released.
func (c *Coordinator) detachLocked(s *subscription) []func() {
	s.active.Store(false)
	delete(c.subs, s.componentID)
	subscriptionsActive.Dec()
	if s.endpoint == "" {
		return nil
	}
	l, ok := c.links[s.endpoint]
	if !ok {
		return nil
	}
	l.refs--
	if l.refs > 0 {
		return nil
	}
	delete(c.links, s.endpoint)
	if l.unsub == nil {
		l.removed = true
		return nil
	}
	endpoint, unsub := s.endpoint, l.unsub
	return []func(){func() {
		unsub()
		c.pull.Stop(endpoint)
	}}
}

// cacheCandidatesLocked copies the pushed values matching the kind and key
// of s. Filters run later, outside c.mu.
func (c *Coordinator) cacheCandidatesLocked(s *subscription) []core.Event {
	var out []core.Event
	for key, ev := range c.pushCache {
		if key.kind == s.kind && s.matchesKey(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// cachedFor picks the newest cached value for s among the pushed candidates
// and the pull endpoint's last value. It must run without c.mu since the
// filter may call back into the coordinator.
func (c *Coordinator) cachedFor(s *subscription, candidates []core.Event) (core.Delivery, origin, bool) {
	var (
		best core.Delivery
		from = originNone
	)
	for _, ev := range candidates {
		if s.filter != nil && !safeFilter(s.filter, ev) {
			continue
		}
		if from == originNone || ev.Timestamp.After(best.Timestamp) {
			best = core.Delivery{Source: ev.Kind.Label(), Data: ev.Data, Timestamp: ev.Timestamp}
			from = originPush
		}
	}
	if s.endpoint != "" {
		if v, at, ok := c.pull.LastValue(s.endpoint); ok && (from == originNone || at.After(best.Timestamp)) {
			best = core.Delivery{Source: s.endpoint, Data: v, Timestamp: at}
			from = originPull
		}
	}
	best.Type = core.DeliveryCached
	best.Success = true
	return best, from, from != originNone
}

// Refresh fetches every endpoint the current subscriptions depend on, once,
// whatever the push state. Results arrive through the normal callbacks with
// the manual marker; Refresh itself does not wait for them.
func (c *Coordinator) Refresh() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	endpoints := make([]string, 0, len(c.links))
	for ep := range c.links {
		endpoints = append(endpoints, ep)
	}
	c.mu.Unlock()
	sort.Strings(endpoints)

	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RefreshTimeout)
		defer cancel()
		var g errgroup.Group
		for _, ep := range endpoints {
			g.Go(func() error { return c.pull.FetchOnce(ctx, ep) })
		}
		if err := g.Wait(); err != nil {
			c.logger.Warn("manual refresh incomplete", "error", err)
		}
	}()
}

// ForceReconnect closes the push transport and opens it again from Idle with
// its retry counters reset.
func (c *Coordinator) ForceReconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.cfg.Offline {
		c.mu.Unlock()
		return nil
	}
	c.pushStarted = true
	changed := false
	if c.connType == core.ConnectionNone {
		changed = c.setConnTypeLocked(core.ConnectionOpening)
		c.armGraceLocked()
	}
	c.mu.Unlock()
	if changed {
		// ForceReconnect may be called from a subscriber callback.
		go c.emitStatus()
	}
	return c.push.Reconnect(ctx)
}

// OnStatus registers fn for connection status changes and returns a func
// that removes it.
func (c *Coordinator) OnStatus(fn func(Status)) func() {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Status returns a snapshot of the coordinator.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	st := c.statusLocked()
	endpoints := make([]string, 0, len(c.links))
	for ep := range c.links {
		endpoints = append(endpoints, ep)
	}
	c.mu.Unlock()
	sort.Strings(endpoints)
	for _, ep := range endpoints {
		st.PullEndpoints = append(st.PullEndpoints, c.pull.State(ep))
	}
	return st
}

func (c *Coordinator) statusLocked() Status {
	return Status{
		ConnectionType:   c.connType,
		PushState:        c.push.State(),
		Offline:          c.cfg.Offline,
		Subscriptions:    len(c.subs),
		MessagesReceived: c.stats.messages,
		Deliveries:       c.stats.deliveries,
		DroppedStale:     c.stats.droppedStale,
		CallbackFailures: c.stats.callbackFailures,
		LastMessageAt:    c.stats.lastMessageAt,
	}
}

// Close removes every subscription and releases both transports.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.grace != nil {
		c.grace.Stop()
	}
	var cleanup []func()
	for _, s := range c.subs {
		cleanup = append(cleanup, c.detachLocked(s)...)
	}
	c.connType = core.ConnectionNone
	c.mu.Unlock()

	c.cancel()
	c.push.Close()
	for _, fn := range cleanup {
		fn()
	}
}

func (c *Coordinator) setConnTypeLocked(t core.ConnectionType) bool {
	if c.connType == t {
		return false
	}
	c.logger.Info("connection type changed", "from", c.connType, "to", t)
	c.connType = t
	connectionType.Set(float64(t))
	return true
}

func (c *Coordinator) armGraceLocked() {
	if c.grace != nil {
		c.grace.Stop()
	}
	c.grace = time.AfterFunc(c.cfg.GracePeriod, c.onGraceExpired)
}

func (c *Coordinator) pollOptions(endpoint string) poll.Options {
	return poll.Options{
		Interval:    c.cfg.PollInterval,
		Immediate:   true,
		OnExhausted: func() { c.onPullExhausted(endpoint) },
	}
}

// activatePullLocked marks pull as the serving transport and returns the
// endpoints whose loops must start.
func (c *Coordinator) activatePullLocked() []string {
	if c.pullActive || c.cfg.Offline {
		return nil
	}
	c.pullActive = true
	endpoints := make([]string, 0, len(c.links))
	for ep, l := range c.links {
		l.exhausted = false
		endpoints = append(endpoints, ep)
	}
	sort.Strings(endpoints)
	return endpoints
}

func (c *Coordinator) onGraceExpired() {
	c.mu.Lock()
	if c.closed || c.connType != core.ConnectionOpening {
		c.mu.Unlock()
		return
	}
	c.logger.Warn("push transport not open after grace period, polling instead", "grace", c.cfg.GracePeriod)
	start := c.activatePullLocked()
	changed := c.setConnTypeLocked(core.ConnectionPull)
	c.mu.Unlock()

	c.startLoops(start)
	if changed {
		c.emitStatus()
	}
}

func (c *Coordinator) onPushState(state core.TransportState) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	var start, freeze []string
	changed := false
	switch state {
	case core.StateOpen:
		if c.grace != nil {
			c.grace.Stop()
		}
		if c.pullActive {
			c.pullActive = false
			for ep := range c.links {
				freeze = append(freeze, ep)
			}
		}
		changed = c.setConnTypeLocked(core.ConnectionPush)
	case core.StateDegraded, core.StateExhausted:
		if c.grace != nil {
			c.grace.Stop()
		}
		start = c.activatePullLocked()
		if c.cfg.Offline {
			break
		}
		if state == core.StateExhausted && c.allPullExhaustedLocked() {
			changed = c.setConnTypeLocked(core.ConnectionNone)
		} else {
			changed = c.setConnTypeLocked(core.ConnectionPull)
		}
	}
	c.mu.Unlock()

	for _, ep := range freeze {
		c.pull.Stop(ep)
	}
	c.startLoops(start)
	if changed {
		c.emitStatus()
	}
}

func (c *Coordinator) startLoops(endpoints []string) {
	for _, ep := range endpoints {
		c.pull.Start(ep, c.pollOptions(ep))
	}
}

func (c *Coordinator) onPullExhausted(endpoint string) {
	c.mu.Lock()
	l, ok := c.links[endpoint]
	if !ok || c.closed {
		c.mu.Unlock()
		return
	}
	l.exhausted = true
	changed := false
	if c.push.State() == core.StateExhausted && c.allPullExhaustedLocked() {
		changed = c.setConnTypeLocked(core.ConnectionNone)
	}
	c.mu.Unlock()
	if changed {
		c.emitStatus()
	}
}

func (c *Coordinator) allPullExhaustedLocked() bool {
	for _, l := range c.links {
		if !l.exhausted {
			return false
		}
	}
	return true
}

func (c *Coordinator) onPushEvent(ev core.Event) {
	now := time.Now()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.stats.messages++
	c.stats.lastMessageAt = now
	messagesReceived.WithLabelValues(ev.Kind.Label()).Inc()
	if ev.Kind == core.KindHeartbeat {
		c.mu.Unlock()
		return
	}
	key := cacheKey{kind: ev.Kind, userID: ev.UserID, teamID: ev.TeamID}
	if prev, ok := c.pushCache[key]; !ok || !ev.Timestamp.Before(prev.Timestamp) {
		c.pushCache[key] = ev
	}
	var targets []*subscription
	for _, s := range c.subs {
		if s.kind == ev.Kind && s.matchesKey(ev) {
			targets = append(targets, s)
		}
	}
	c.mu.Unlock()

	d := core.Delivery{
		Type:      core.DeliveryData,
		Source:    ev.Kind.Label(),
		Data:      ev.Data,
		Timestamp: ev.Timestamp,
		Success:   true,
	}
	for _, s := range targets {
		if s.filter != nil && !safeFilter(s.filter, ev) {
			continue
		}
		c.deliver(s, d, originPush)
	}
}

func (c *Coordinator) onPull(endpoint string, d core.Delivery) {
	// Subscribers get cached values from Subscribe itself.
	if d.Type == core.DeliveryCached {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	var targets []*subscription
	for _, s := range c.subs {
		if s.endpoint == endpoint {
			targets = append(targets, s)
		}
	}
	c.mu.Unlock()

	if d.Type == core.DeliveryError {
		// Transport errors never reach data callbacks. A failed manual refresh
		// is reported as a status change so the caller learns about it.
		if !d.Manual {
			return
		}
		d = core.Delivery{
			Type:      core.DeliveryStatus,
			Source:    endpoint,
			Error:     d.Error,
			Timestamp: d.Timestamp,
			Manual:    true,
		}
	}
	for _, s := range targets {
		c.deliver(s, d, originPull)
	}
}

// emitStatus sends the current status to listeners and subscribers.
func (c *Coordinator) emitStatus() {
	c.mu.Lock()
	st := c.statusLocked()
	listeners := make([]func(Status), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	data, _ := json.Marshal(struct {
		ConnectionType core.ConnectionType `json:"connectionType"`
		PushState      core.TransportState `json:"pushState"`
	}{st.ConnectionType, st.PushState})
	d := core.Delivery{
		Type:      core.DeliveryStatus,
		Source:    "connection",
		Data:      data,
		Timestamp: time.Now(),
		Success:   st.ConnectionType != core.ConnectionNone,
	}
	for _, s := range subs {
		c.deliver(s, d, originNone)
	}
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Warn("status listener panicked", "panic", r)
				}
			}()
			fn(st)
		}()
	}
}

// deliver hands d to s, enforcing the active flag, cached-at-most-once and
// non-decreasing data timestamps per transport.
func (c *Coordinator) deliver(s *subscription, d core.Delivery, from origin) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if !s.active.Load() {
		return
	}
	mark := s.watermark(from)
	switch d.Type {
	case core.DeliveryCached:
		if s.received {
			return
		}
		s.received = true
		if mark != nil {
			*mark = d.Timestamp
		}
	case core.DeliveryData:
		if mark != nil && d.Timestamp.Before(*mark) {
			c.mu.Lock()
			c.stats.droppedStale++
			c.mu.Unlock()
			droppedStale.Inc()
			return
		}
		s.received = true
		if mark != nil {
			*mark = d.Timestamp
		}
	}

	c.mu.Lock()
	c.stats.deliveries++
	c.mu.Unlock()
	deliveriesTotal.WithLabelValues(string(d.Type)).Inc()

	defer func() {
		if r := recover(); r != nil {
			c.mu.Lock()
			c.stats.callbackFailures++
			c.mu.Unlock()
			callbackFailures.Inc()
			c.logger.Warn("subscriber callback panicked", "component", s.componentID, "kind", s.kind, "panic", r)
		}
	}()
	s.cb(d)
}

func safeFilter(fn func(core.Event) bool, ev core.Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return fn(ev)
}
