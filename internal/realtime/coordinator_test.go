package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeiouboy/ris-pdm-performance/internal/core"
	"github.com/aeiouboy/ris-pdm-performance/internal/poll"
	"github.com/aeiouboy/ris-pdm-performance/internal/push"
)

type fakePush struct {
	mu         sync.Mutex
	h          push.Handlers
	state      core.TransportState
	opens      int
	reconnects int
}

func (f *fakePush) SetHandlers(h push.Handlers) {
	f.mu.Lock()
	f.h = h
	f.mu.Unlock()
}

func (f *fakePush) Open(context.Context) error {
	f.mu.Lock()
	f.opens++
	f.mu.Unlock()
	f.set(core.StateOpening)
	return nil
}

func (f *fakePush) Reconnect(context.Context) error {
	f.mu.Lock()
	f.reconnects++
	f.mu.Unlock()
	f.set(core.StateIdle)
	f.set(core.StateOpening)
	return nil
}

func (f *fakePush) Close() {
	f.mu.Lock()
	f.state = core.StateClosed
	f.h = push.Handlers{}
	f.mu.Unlock()
}

func (f *fakePush) State() core.TransportState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakePush) Stats() push.Stats { return push.Stats{State: f.State()} }

func (f *fakePush) set(s core.TransportState) {
	f.mu.Lock()
	f.state = s
	h := f.h.OnState
	f.mu.Unlock()
	if h != nil {
		h(s)
	}
}

func (f *fakePush) emit(ev core.Event) {
	f.mu.Lock()
	h := f.h.OnEvent
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (f *fakePush) counts() (opens, reconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.reconnects
}

type sink struct {
	mu         sync.Mutex
	deliveries []core.Delivery
}

func (s *sink) add(d core.Delivery) {
	s.mu.Lock()
	s.deliveries = append(s.deliveries, d)
	s.mu.Unlock()
}

func (s *sink) ofType(t core.DeliveryType) []core.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Delivery
	for _, d := range s.deliveries {
		if d.Type == t {
			out = append(out, d)
		}
	}
	return out
}

// content is every data or cached delivery, in arrival order.
func (s *sink) content() []core.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Delivery
	for _, d := range s.deliveries {
		if d.Type == core.DeliveryData || d.Type == core.DeliveryCached {
			out = append(out, d)
		}
	}
	return out
}

type pullServer struct {
	*httptest.Server
	requests atomic.Int32
	fail     atomic.Bool
	lastURL  atomic.Value
}

func newPullServer(t *testing.T) *pullServer {
	t.Helper()
	ps := &pullServer{}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := ps.requests.Add(1)
		ps.lastURL.Store(r.URL.String())
		if ps.fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"success":true,"data":{"path":%q,"n":%d}}`, r.URL.Path, n)
	}))
	t.Cleanup(ps.Close)
	return ps
}

type harness struct {
	c    *Coordinator
	push *fakePush
	pull *poll.Poller
	srv  *pullServer
}

func newHarness(t *testing.T, mutate func(*Config, *poll.Config)) *harness {
	t.Helper()
	srv := newPullServer(t)
	pcfg := poll.DefaultConfig(srv.URL)
	pcfg.MinInterval = 5 * time.Millisecond
	pcfg.MaxInterval = 10 * time.Millisecond
	pcfg.FetchTimeout = time.Second

	cfg := DefaultConfig()
	cfg.GracePeriod = time.Hour
	cfg.PollInterval = 5 * time.Millisecond
	cfg.RefreshTimeout = time.Second
	if mutate != nil {
		mutate(&cfg, &pcfg)
	}

	fp := &fakePush{}
	pl := poll.New(pcfg, nil)
	c := New(cfg, fp, pl, nil)
	t.Cleanup(func() {
		c.Close()
		pl.StopAll()
	})
	return &harness{c: c, push: fp, pull: pl, srv: srv}
}

func (h *harness) connType() core.ConnectionType { return h.c.Status().ConnectionType }

func sprintEvent(ts time.Time, team string, body string) core.Event {
	return core.Event{
		ID:        ts.String(),
		Kind:      core.KindSprintUpdated,
		Timestamp: ts,
		TeamID:    team,
		Data:      json.RawMessage(body),
	}
}

func TestSubscribeRejectsInvalidArguments(t *testing.T) {
	h := newHarness(t, nil)
	noop := func(core.Delivery) {}

	_, err := h.c.Subscribe("", core.KindSprintUpdated, noop, Options{})
	assert.ErrorIs(t, err, ErrInvalidSubscription)
	_, err = h.c.Subscribe("chart", core.KindSprintUpdated, nil, Options{})
	assert.ErrorIs(t, err, ErrInvalidSubscription)
	_, err = h.c.Subscribe("chart", core.EventKind(99), noop, Options{})
	assert.ErrorIs(t, err, ErrInvalidSubscription)

	opens, _ := h.push.counts()
	assert.Zero(t, opens, "rejected subscriptions open nothing")
}

func TestFirstSubscriptionOpensPushOnce(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.c.Subscribe("a", core.KindSprintUpdated, func(core.Delivery) {}, Options{})
	require.NoError(t, err)
	_, err = h.c.Subscribe("b", core.KindWorkItemUpdated, func(core.Delivery) {}, Options{})
	require.NoError(t, err)

	opens, _ := h.push.counts()
	assert.Equal(t, 1, opens)
	assert.Equal(t, core.ConnectionOpening, h.connType())
	assert.Zero(t, h.srv.requests.Load(), "no polling while push is opening")
}

func TestGraceExpiryFallsBackToPolling(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *poll.Config) { c.GracePeriod = 30 * time.Millisecond })

	got := &sink{}
	_, err := h.c.Subscribe("sprint-chart", core.KindSprintUpdated, got.add, Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(got.ofType(core.DeliveryData)) >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, core.ConnectionPull, h.connType())
	d := got.ofType(core.DeliveryData)[0]
	assert.Equal(t, "/api/metrics/sprints", d.Source)
	assert.False(t, d.Manual)

	var sawPull bool
	for _, st := range got.ofType(core.DeliveryStatus) {
		var body struct {
			ConnectionType string `json:"connectionType"`
		}
		require.NoError(t, json.Unmarshal(st.Data, &body))
		sawPull = sawPull || body.ConnectionType == "pull"
	}
	assert.True(t, sawPull, "subscribers are told about the switch")
}

func TestDegradedPushFallsBackWithoutWaiting(t *testing.T) {
	h := newHarness(t, nil)
	got := &sink{}
	_, err := h.c.Subscribe("sprint-chart", core.KindSprintUpdated, got.add, Options{})
	require.NoError(t, err)

	h.push.set(core.StateDegraded)
	assert.Equal(t, core.ConnectionPull, h.connType())
	require.Eventually(t, func() bool { return len(got.ofType(core.DeliveryData)) >= 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestPushTakesOverFromPolling(t *testing.T) {
	h := newHarness(t, nil)
	got := &sink{}
	_, err := h.c.Subscribe("sprint-chart", core.KindSprintUpdated, got.add, Options{})
	require.NoError(t, err)

	h.push.set(core.StateDegraded)
	require.Eventually(t, func() bool { return len(got.ofType(core.DeliveryData)) >= 1 }, 2*time.Second, 5*time.Millisecond)

	h.push.set(core.StateOpen)
	assert.Equal(t, core.ConnectionPush, h.connType())
	time.Sleep(20 * time.Millisecond) // let a poll already on the wire settle
	frozen := h.srv.requests.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, frozen, h.srv.requests.Load(), "polling is frozen while push is open")
	assert.False(t, h.pull.State("/api/metrics/sprints").Active)

	h.push.emit(sprintEvent(time.Now(), "", `{"from":"push"}`))
	data := got.ofType(core.DeliveryData)
	last := data[len(data)-1]
	assert.Equal(t, "sprint_data_updated", last.Source)
	assert.JSONEq(t, `{"from":"push"}`, string(last.Data))
}

func TestPushEventAfterPollIsDelivered(t *testing.T) {
	h := newHarness(t, nil)
	got := &sink{}
	_, err := h.c.Subscribe("sprint-chart", core.KindSprintUpdated, got.add, Options{})
	require.NoError(t, err)

	h.push.set(core.StateDegraded)
	require.Eventually(t, func() bool { return len(got.ofType(core.DeliveryData)) >= 1 }, 2*time.Second, 5*time.Millisecond)
	h.push.set(core.StateOpen)
	time.Sleep(20 * time.Millisecond)
	before := len(got.ofType(core.DeliveryData))

	// Stamped by the server slightly before the client's last fetch.
	h.push.emit(sprintEvent(time.Now().Add(-2*time.Second), "", `{"from":"push"}`))
	data := got.ofType(core.DeliveryData)
	require.Len(t, data, before+1)
	assert.JSONEq(t, `{"from":"push"}`, string(data[len(data)-1].Data))
	assert.Zero(t, h.c.Status().DroppedStale)
}

func TestCachedValuePrecedesFirstPoll(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.pull.FetchOnce(context.Background(), "/api/workitems"))
	_, err := h.c.Subscribe("sprint-chart", core.KindSprintUpdated, func(core.Delivery) {}, Options{})
	require.NoError(t, err)
	h.push.set(core.StateDegraded)

	got := &sink{}
	_, err = h.c.Subscribe("table", core.KindWorkItemUpdated, got.add, Options{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(got.content()) >= 2 }, 2*time.Second, 5*time.Millisecond)

	content := got.content()
	assert.Equal(t, core.DeliveryCached, content[0].Type)
	assert.Equal(t, core.DeliveryData, content[1].Type)
}

func TestFilterMayCallBackIntoCoordinator(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.c.Subscribe("a", core.KindSprintUpdated, func(core.Delivery) {}, Options{})
	require.NoError(t, err)
	h.push.set(core.StateOpen)
	h.push.emit(sprintEvent(time.Now(), "t1", `{"v":1}`))

	got := &sink{}
	done := make(chan error, 1)
	go func() {
		_, err := h.c.Subscribe("b", core.KindSprintUpdated, got.add, Options{
			Filter: func(ev core.Event) bool { return h.c.Status().Subscriptions > 0 && ev.TeamID == "t1" },
		})
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe blocked on a filter reading the status")
	}
	require.Len(t, got.ofType(core.DeliveryCached), 1)
}

func TestHeartbeatSubscriptionReceivesStatusOnly(t *testing.T) {
	h := newHarness(t, nil)
	got := &sink{}
	_, err := h.c.Subscribe("liveness", core.KindHeartbeat, got.add, Options{})
	require.NoError(t, err)
	h.push.set(core.StateOpen)
	h.push.emit(core.Event{Kind: core.KindHeartbeat, Timestamp: time.Now()})

	assert.Empty(t, got.content())
	assert.NotEmpty(t, got.ofType(core.DeliveryStatus))
	assert.EqualValues(t, 1, h.c.Status().MessagesReceived)
}

func TestLateSubscriberReceivesCachedValueFirst(t *testing.T) {
	h := newHarness(t, nil)
	first := &sink{}
	_, err := h.c.Subscribe("a", core.KindSprintUpdated, first.add, Options{})
	require.NoError(t, err)
	h.push.set(core.StateOpen)

	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	h.push.emit(sprintEvent(t0, "", `{"v":1}`))
	require.Len(t, first.content(), 1)

	late := &sink{}
	_, err = h.c.Subscribe("b", core.KindSprintUpdated, late.add, Options{})
	require.NoError(t, err)

	got := late.content()
	require.Len(t, got, 1, "cached value is delivered before Subscribe returns")
	assert.Equal(t, core.DeliveryCached, got[0].Type)
	assert.JSONEq(t, `{"v":1}`, string(got[0].Data))

	h.push.emit(sprintEvent(t0.Add(time.Second), "", `{"v":2}`))
	got = late.content()
	require.Len(t, got, 2)
	assert.Equal(t, core.DeliveryData, got[1].Type)
	assert.Len(t, late.ofType(core.DeliveryCached), 1, "cached value at most once")
}

func TestCachedValueComesFromPolling(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.pull.FetchOnce(context.Background(), "/api/workitems"))

	got := &sink{}
	_, err := h.c.Subscribe("table", core.KindWorkItemUpdated, got.add, Options{})
	require.NoError(t, err)

	content := got.content()
	require.Len(t, content, 1)
	assert.Equal(t, core.DeliveryCached, content[0].Type)
	assert.Equal(t, "/api/workitems", content[0].Source)
}

func TestOutOfOrderDataIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	got := &sink{}
	_, err := h.c.Subscribe("a", core.KindSprintUpdated, got.add, Options{})
	require.NoError(t, err)
	h.push.set(core.StateOpen)

	t0 := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	h.push.emit(sprintEvent(t0.Add(time.Minute), "", `{"v":2}`))
	h.push.emit(sprintEvent(t0, "", `{"v":1}`))
	h.push.emit(sprintEvent(t0.Add(time.Minute), "", `{"v":3}`))

	data := got.ofType(core.DeliveryData)
	require.Len(t, data, 2)
	assert.JSONEq(t, `{"v":2}`, string(data[0].Data))
	assert.JSONEq(t, `{"v":3}`, string(data[1].Data), "equal timestamps are delivered")
	assert.EqualValues(t, 1, h.c.Status().DroppedStale)
}

func TestTeamAndFilterScoping(t *testing.T) {
	h := newHarness(t, nil)
	team := &sink{}
	filtered := &sink{}
	_, err := h.c.Subscribe("team-view", core.KindSprintUpdated, team.add, Options{TeamID: "t1"})
	require.NoError(t, err)
	_, err = h.c.Subscribe("filtered", core.KindSprintUpdated, filtered.add, Options{
		Filter: func(ev core.Event) bool { return ev.TeamID == "t2" },
	})
	require.NoError(t, err)
	h.push.set(core.StateOpen)

	now := time.Now()
	h.push.emit(sprintEvent(now, "t1", `{"team":"t1"}`))
	h.push.emit(sprintEvent(now.Add(time.Second), "t2", `{"team":"t2"}`))
	h.push.emit(core.Event{Kind: core.KindWorkItemUpdated, Timestamp: now.Add(2 * time.Second), TeamID: "t1", Data: json.RawMessage(`{}`)})

	require.Len(t, team.ofType(core.DeliveryData), 1)
	assert.JSONEq(t, `{"team":"t1"}`, string(team.ofType(core.DeliveryData)[0].Data))
	require.Len(t, filtered.ofType(core.DeliveryData), 1)
	assert.JSONEq(t, `{"team":"t2"}`, string(filtered.ofType(core.DeliveryData)[0].Data))
}

func TestScopedSubscriptionPollsScopedEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	got := &sink{}
	_, err := h.c.Subscribe("team-view", core.KindSprintUpdated, got.add, Options{TeamID: "t1", UserID: "u1"})
	require.NoError(t, err)

	h.push.set(core.StateDegraded)
	require.Eventually(t, func() bool { return len(got.ofType(core.DeliveryData)) >= 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "/api/metrics/sprints?teamId=t1&userId=u1", h.srv.lastURL.Load())
}

func TestResubscribeReplacesPreviousSubscription(t *testing.T) {
	h := newHarness(t, nil)
	old := &sink{}
	current := &sink{}
	oldSub, err := h.c.Subscribe("chart", core.KindSprintUpdated, old.add, Options{})
	require.NoError(t, err)
	_, err = h.c.Subscribe("chart", core.KindSprintUpdated, current.add, Options{})
	require.NoError(t, err)
	h.push.set(core.StateOpen)

	assert.Equal(t, 1, h.c.Status().Subscriptions)
	assert.False(t, oldSub.Active())

	oldSub.Close()
	h.push.emit(sprintEvent(time.Now(), "", `{}`))
	assert.Empty(t, old.ofType(core.DeliveryData))
	assert.Len(t, current.ofType(core.DeliveryData), 1, "closing a replaced handle keeps the new one")
}

func TestUnsubscribeFromCallbackIsSafe(t *testing.T) {
	h := newHarness(t, nil)
	var calls atomic.Int32
	sub, err := h.c.Subscribe("chart", core.KindSprintUpdated, func(d core.Delivery) {
		if d.Type != core.DeliveryData {
			return
		}
		calls.Add(1)
		h.c.Unsubscribe("chart")
	}, Options{})
	require.NoError(t, err)
	h.push.set(core.StateOpen)

	now := time.Now()
	h.push.emit(sprintEvent(now, "", `{}`))
	h.push.emit(sprintEvent(now.Add(time.Second), "", `{}`))

	assert.EqualValues(t, 1, calls.Load())
	h.c.Unsubscribe("chart")
	sub.Close()
	assert.Zero(t, h.c.Status().Subscriptions)
}

func TestLastUnsubscribeStopsPollingEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	a, err := h.c.Subscribe("a", core.KindWorkItemUpdated, func(core.Delivery) {}, Options{})
	require.NoError(t, err)
	b, err := h.c.Subscribe("b", core.KindWorkItemUpdated, func(core.Delivery) {}, Options{})
	require.NoError(t, err)
	h.push.set(core.StateDegraded)
	require.Eventually(t, func() bool { return h.pull.State("/api/workitems").Active }, time.Second, 5*time.Millisecond)

	a.Close()
	assert.True(t, h.pull.State("/api/workitems").Active)
	b.Close()
	assert.False(t, h.pull.State("/api/workitems").Active)
}

func TestPanickingCallbackDoesNotAffectOthers(t *testing.T) {
	h := newHarness(t, nil)
	got := &sink{}
	_, err := h.c.Subscribe("bad", core.KindSprintUpdated, func(d core.Delivery) {
		if d.Type == core.DeliveryData {
			panic("render failed")
		}
	}, Options{})
	require.NoError(t, err)
	_, err = h.c.Subscribe("good", core.KindSprintUpdated, got.add, Options{})
	require.NoError(t, err)
	h.push.set(core.StateOpen)

	now := time.Now()
	h.push.emit(sprintEvent(now, "", `{}`))
	h.push.emit(sprintEvent(now.Add(time.Second), "", `{}`))

	assert.Len(t, got.ofType(core.DeliveryData), 2)
	assert.EqualValues(t, 2, h.c.Status().CallbackFailures)
}

func TestRefreshDeliversManualDataWhilePushIsOpen(t *testing.T) {
	h := newHarness(t, nil)
	got := &sink{}
	_, err := h.c.Subscribe("chart", core.KindSprintUpdated, got.add, Options{})
	require.NoError(t, err)
	h.push.set(core.StateOpen)

	h.c.Refresh()
	require.Eventually(t, func() bool { return len(got.ofType(core.DeliveryData)) == 1 }, 2*time.Second, 5*time.Millisecond)
	d := got.ofType(core.DeliveryData)[0]
	assert.True(t, d.Manual)
	assert.Equal(t, core.ConnectionPush, h.connType(), "refresh does not change the transport")
}

func TestFailedRefreshIsReportedAsStatus(t *testing.T) {
	h := newHarness(t, nil)
	h.srv.fail.Store(true)
	got := &sink{}
	_, err := h.c.Subscribe("chart", core.KindSprintUpdated, got.add, Options{})
	require.NoError(t, err)
	h.push.set(core.StateOpen)

	h.c.Refresh()
	require.Eventually(t, func() bool {
		for _, d := range got.ofType(core.DeliveryStatus) {
			if d.Manual && d.Error != "" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, got.ofType(core.DeliveryError), "errors never reach data callbacks")
}

func TestExhaustedEverywhereReportsNoConnection(t *testing.T) {
	h := newHarness(t, func(_ *Config, p *poll.Config) { p.MaxErrors = 2 })
	h.srv.fail.Store(true)

	var (
		mu   sync.Mutex
		seen []core.ConnectionType
	)
	defer h.c.OnStatus(func(st Status) {
		mu.Lock()
		seen = append(seen, st.ConnectionType)
		mu.Unlock()
	})()

	_, err := h.c.Subscribe("chart", core.KindSprintUpdated, func(core.Delivery) {}, Options{})
	require.NoError(t, err)
	h.push.set(core.StateExhausted)
	assert.Equal(t, core.ConnectionPull, h.connType(), "polling is tried before giving up")

	require.Eventually(t, func() bool { return h.connType() == core.ConnectionNone }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, core.ConnectionNone, seen[len(seen)-1])
	mu.Unlock()

	require.NoError(t, h.c.ForceReconnect(context.Background()))
	_, reconnects := h.push.counts()
	assert.Equal(t, 1, reconnects)
	assert.Equal(t, core.ConnectionOpening, h.connType())
}

func TestOfflineModeOpensNoTransport(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *poll.Config) { c.Offline = true })
	got := &sink{}
	_, err := h.c.Subscribe("chart", core.KindSprintUpdated, got.add, Options{})
	require.NoError(t, err)
	h.push.set(core.StateDegraded)

	opens, _ := h.push.counts()
	assert.Zero(t, opens)
	assert.Equal(t, core.ConnectionNone, h.connType())
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, h.srv.requests.Load(), "offline mode never polls on its own")

	h.c.Refresh()
	require.Eventually(t, func() bool { return len(got.ofType(core.DeliveryData)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.c.Status().Offline)
}

func TestCloseRejectsNewSubscriptions(t *testing.T) {
	h := newHarness(t, nil)
	got := &sink{}
	_, err := h.c.Subscribe("chart", core.KindSprintUpdated, got.add, Options{})
	require.NoError(t, err)
	h.push.set(core.StateOpen)

	h.c.Close()
	_, err = h.c.Subscribe("other", core.KindSprintUpdated, got.add, Options{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, core.StateClosed, h.push.State())
	assert.Zero(t, h.c.Status().Subscriptions)
}

func TestSharedIsSingleton(t *testing.T) {
	t.Cleanup(resetShared)
	pl := poll.New(poll.DefaultConfig("http://unused"), nil)
	a := Shared(DefaultConfig(), &fakePush{}, pl, nil)
	b := Shared(DefaultConfig(), &fakePush{}, pl, nil)
	assert.Same(t, a, b)
}
