// Package poll implements the periodic HTTP pull transport used when the
// event stream is unavailable.
package poll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/aeiouboy/ris-pdm-performance/internal/core"
)

// ErrUpstream wraps a response that reported success=false.
var ErrUpstream = errors.New("poll: endpoint reported failure")

// Doer performs HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures a Poller.
type Config struct {
	BaseURL      string
	MinInterval  time.Duration
	MaxInterval  time.Duration
	MaxErrors    int
	FetchTimeout time.Duration
	Client       Doer
}

// DefaultConfig returns the production polling limits for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:      baseURL,
		MinInterval:  5 * time.Second,
		MaxInterval:  300 * time.Second,
		MaxErrors:    10,
		FetchTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.BaseURL)
	if c.MinInterval <= 0 {
		c.MinInterval = d.MinInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.MaxErrors <= 0 {
		c.MaxErrors = d.MaxErrors
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	return c
}

// Options configures one polling loop.
type Options struct {
	Interval  time.Duration
	Immediate bool
	Transform func(json.RawMessage) (json.RawMessage, error)
	OnData    func(json.RawMessage)
	OnError   func(error)

	// OnExhausted runs once when the loop stops at the error ceiling.
	OnExhausted func()
}

// EndpointState is a snapshot of one endpoint.
type EndpointState struct {
	Endpoint      string              `json:"endpoint"`
	State         core.TransportState `json:"state"`
	Interval      time.Duration       `json:"interval"`
	ErrorCount    int                 `json:"errorCount"`
	Active        bool                `json:"active"`
	Subscribers   int                 `json:"subscribers"`
	LastFetchedAt time.Time           `json:"lastFetchedAt"`
}

// endpoint is the per-path polling state.
type endpoint struct {
	path       string
	opts       Options
	interval   time.Duration
	errorCount int
	active     bool
	state      core.TransportState
	cancel     context.CancelFunc

	hasValue  bool
	lastValue json.RawMessage
	lastAt    time.Time

	nextSub int
	subs    map[int]func(core.Delivery)

	// fetchMu serializes fetch-and-deliver so deliveries keep server order.
	fetchMu sync.Mutex
}

// Poller runs one loop per endpoint and fans results out to subscribers.
type Poller struct {
	cfg    Config
	logger *slog.Logger
	flight singleflight.Group

	mu        sync.Mutex
	endpoints map[string]*endpoint
}

// New returns a Poller with no endpoints.
func New(cfg Config, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		cfg:       cfg.withDefaults(),
		logger:    logger.With("component", "poll"),
		endpoints: make(map[string]*endpoint),
	}
}

// NextInterval returns the delay before the next fetch given the number of
// consecutive errors.
func NextInterval(base, max time.Duration, errorCount int) time.Duration {
	if errorCount <= 0 {
		return base
	}
	d := base
	for i := 1; i < errorCount; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	return min(d, max)
}

func (p *Poller) endpointLocked(path string) *endpoint {
	ep, ok := p.endpoints[path]
	if !ok {
		ep = &endpoint{path: path, state: core.StateIdle, subs: make(map[int]func(core.Delivery))}
		p.endpoints[path] = ep
	}
	return ep
}

// Start begins or resumes the loop for path. A running loop is restarted with
// the new options and a cleared error count.
func (p *Poller) Start(path string, opts Options) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ep := p.endpointLocked(path)
	if ep.cancel != nil {
		ep.cancel()
	}
	interval := opts.Interval
	if interval < p.cfg.MinInterval {
		interval = p.cfg.MinInterval
	}
	ep.opts = opts
	ep.interval = interval
	ep.errorCount = 0
	ep.active = true
	ep.state = core.StateOpen

	ctx, cancel := context.WithCancel(context.Background())
	ep.cancel = cancel
	go p.loop(ctx, ep, opts.Immediate)
	p.logger.Debug("polling started", "endpoint", path, "interval", interval)
}

// Stop cancels the loop for path. The last value stays available.
func (p *Poller) Stop(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep, ok := p.endpoints[path]
	if !ok {
		return
	}
	p.stopLocked(ep, core.StateClosed)
}

func (p *Poller) stopLocked(ep *endpoint, state core.TransportState) {
	if ep.cancel != nil {
		ep.cancel()
		ep.cancel = nil
	}
	ep.active = false
	ep.state = state
}

// StopAll cancels every loop.
func (p *Poller) StopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range p.endpoints {
		p.stopLocked(ep, core.StateClosed)
	}
}

// Subscribe registers cb for deliveries on path. When a value is already
// cached, cb receives it as a cached delivery before Subscribe returns. The
// returned func removes the subscription; removing the last one stops the
// loop.
func (p *Poller) Subscribe(path string, cb func(core.Delivery)) func() {
	p.mu.Lock()
	ep := p.endpointLocked(path)
	id := ep.nextSub
	ep.nextSub++
	ep.subs[id] = cb
	cached, hasValue, at := ep.lastValue, ep.hasValue, ep.lastAt
	p.mu.Unlock()

	if hasValue {
		safeCall(p.logger, path, cb, core.Delivery{
			Type:      core.DeliveryCached,
			Source:    path,
			Data:      cached,
			Timestamp: at,
			Success:   true,
		})
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(ep.subs, id)
			if len(ep.subs) == 0 && ep.active {
				p.stopLocked(ep, core.StateClosed)
			}
		})
	}
}

// LastValue returns the most recent successful payload for path.
func (p *Poller) LastValue(path string) (json.RawMessage, time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep, ok := p.endpoints[path]
	if !ok || !ep.hasValue {
		return nil, time.Time{}, false
	}
	return ep.lastValue, ep.lastAt, true
}

// State returns a snapshot of path.
func (p *Poller) State(path string) EndpointState {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep, ok := p.endpoints[path]
	if !ok {
		return EndpointState{Endpoint: path, State: core.StateIdle}
	}
	return ep.snapshot()
}

// States returns snapshots of every known endpoint.
func (p *Poller) States() []EndpointState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EndpointState, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		out = append(out, ep.snapshot())
	}
	return out
}

func (ep *endpoint) snapshot() EndpointState {
	return EndpointState{
		Endpoint:      ep.path,
		State:         ep.state,
		Interval:      ep.interval,
		ErrorCount:    ep.errorCount,
		Active:        ep.active,
		Subscribers:   len(ep.subs),
		LastFetchedAt: ep.lastAt,
	}
}

// FetchOnce performs a manual fetch of path and delivers the result with the
// manual marker. Concurrent manual fetches of one path share a request.
func (p *Poller) FetchOnce(ctx context.Context, path string) error {
	p.mu.Lock()
	ep := p.endpointLocked(path)
	p.mu.Unlock()

	_, err, _ := p.flight.Do(path, func() (interface{}, error) {
		return nil, p.fetchAndDeliver(ctx, ep, true)
	})
	return err
}

func (p *Poller) loop(ctx context.Context, ep *endpoint, immediate bool) {
	if immediate {
		p.tick(ctx, ep)
	}
	for {
		p.mu.Lock()
		if !ep.active || ctx.Err() != nil {
			p.mu.Unlock()
			return
		}
		wait := NextInterval(ep.interval, p.cfg.MaxInterval, ep.errorCount)
		p.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		p.tick(ctx, ep)
	}
}

// tick runs one scheduled fetch and stops the loop at the error ceiling.
func (p *Poller) tick(ctx context.Context, ep *endpoint) {
	if err := p.fetchAndDeliver(ctx, ep, false); err == nil || ctx.Err() != nil {
		return
	}
	p.mu.Lock()
	if ep.errorCount < p.cfg.MaxErrors || !ep.active {
		p.mu.Unlock()
		return
	}
	p.logger.Error("polling stopped after repeated failures", "endpoint", ep.path, "errors", ep.errorCount)
	p.stopLocked(ep, core.StateExhausted)
	onExhausted := ep.opts.OnExhausted
	p.mu.Unlock()
	if onExhausted != nil {
		onExhausted()
	}
}

func (p *Poller) fetchAndDeliver(ctx context.Context, ep *endpoint, manual bool) error {
	ep.fetchMu.Lock()
	defer ep.fetchMu.Unlock()

	p.mu.Lock()
	opts := ep.opts
	p.mu.Unlock()

	data, err := p.fetch(ctx, ep.path, manual)
	if err == nil && opts.Transform != nil {
		data, err = opts.Transform(data)
	}
	if !manual && ctx.Err() != nil {
		// The loop was stopped while fetching; stopped endpoints deliver nothing.
		return ctx.Err()
	}
	now := time.Now()

	p.mu.Lock()
	if err != nil {
		ep.errorCount++
		if ep.active {
			ep.state = core.StateDegraded
		}
	} else {
		ep.errorCount = 0
		ep.hasValue = true
		ep.lastValue = data
		ep.lastAt = now
		if ep.active {
			ep.state = core.StateOpen
		}
	}
	subs := make([]func(core.Delivery), 0, len(ep.subs))
	for _, cb := range ep.subs {
		subs = append(subs, cb)
	}
	p.mu.Unlock()

	fetchesTotal.WithLabelValues(resultLabel(err)).Inc()
	d := core.Delivery{Source: ep.path, Timestamp: now, Manual: manual}
	if err != nil {
		p.logger.Warn("poll failed", "endpoint", ep.path, "error", err, "manual", manual)
		if opts.OnError != nil {
			opts.OnError(err)
		}
		d.Type = core.DeliveryError
		d.Error = err.Error()
	} else {
		if opts.OnData != nil {
			opts.OnData(data)
		}
		d.Type = core.DeliveryData
		d.Data = data
		d.Success = true
	}
	for _, cb := range subs {
		safeCall(p.logger, ep.path, cb, d)
	}
	return err
}

// response is the body shape of every polling endpoint.
type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error,omitempty"`
}

func (p *Poller) fetch(ctx context.Context, path string, manual bool) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	target, err := url.Parse(p.cfg.BaseURL + path)
	if err != nil {
		return nil, fmt.Errorf("poll: bad endpoint %q: %w", path, err)
	}
	if manual {
		q := target.Query()
		q.Set("forceTs", strconv.FormatInt(time.Now().UnixMilli(), 10))
		target.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll: get %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("poll: read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("poll: get %s: status %d", path, resp.StatusCode)
	}
	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("poll: decode %s: %w", path, err)
	}
	if !r.Success {
		return nil, fmt.Errorf("%w: %s", ErrUpstream, r.Error)
	}
	return r.Data, nil
}

func safeCall(logger *slog.Logger, path string, cb func(core.Delivery), d core.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("subscriber callback panicked", "endpoint", path, "panic", r)
		}
	}()
	cb(d)
}
