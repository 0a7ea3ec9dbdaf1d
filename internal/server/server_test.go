package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeiouboy/ris-pdm-performance/internal/core"
	"github.com/aeiouboy/ris-pdm-performance/internal/eventbus"
	"github.com/aeiouboy/ris-pdm-performance/internal/health"
	"github.com/aeiouboy/ris-pdm-performance/internal/kvcache"
	"github.com/aeiouboy/ris-pdm-performance/internal/poll"
	"github.com/aeiouboy/ris-pdm-performance/internal/push"
	"github.com/aeiouboy/ris-pdm-performance/internal/upstream"
	"github.com/aeiouboy/ris-pdm-performance/internal/validation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	srv     *Server
	store   *kvcache.MemoryStore
	bus     *eventbus.MemoryBus
	surface *health.Surface
	sprints []upstream.Sprint
}

func date(s string) *time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return &t
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		store: kvcache.NewMemoryStore(),
		bus:   eventbus.NewMemoryBus(16),
		sprints: []upstream.Sprint{
			{ID: "s1", Name: "Sprint 1", StartDate: date("2026-01-05"), FinishDate: date("2026-01-16"), TimeFrame: "current"},
		},
	}
	t.Cleanup(func() { f.bus.Close() })

	adapter := upstream.AdapterFuncs{
		SprintsFunc: func(context.Context, string, string) ([]upstream.Sprint, error) { return f.sprints, nil },
		WorkItemsFunc: func(context.Context, string, string) ([]upstream.WorkItem, error) {
			return []upstream.WorkItem{{ID: 1, Type: upstream.TypeBug, State: "Active"}}, nil
		},
	}
	v := validation.New(f.store, validation.Thresholds{}, nil)
	f.surface = health.NewSurface(v)

	cfg := Config{
		HeartbeatInterval: time.Hour,
		ValidationRate:    100,
		ValidationBurst:   100,
		Targets:           []validation.Target{{ProjectID: "PMP", TeamID: "Platform"}},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.srv = New(cfg, Deps{Store: f.store, Bus: f.bus, Validator: v, Adapter: adapter, Health: f.surface}, nil)
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, response) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)

	var r response
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &r), w.Body.String())
	}
	return w, r
}

func TestSnapshotEndpointsServeCachedData(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, validation.DashboardSprintsKey("PMP"), f.sprints, time.Minute))

	w, r := f.do(t, http.MethodGet, "/api/metrics/sprints", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, r.Success)
	assert.Contains(t, w.Body.String(), `"name":"Sprint 1"`)
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))

	w, r = f.do(t, http.MethodGet, "/api/metrics/overview?projectId=PMP&teamId=Platform", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.False(t, r.Success)
	assert.Equal(t, "no overview for project PMP", r.Error)
}

func TestSnapshotRequiresProjectWithoutTargets(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Targets = nil })
	w, r := f.do(t, http.MethodGet, "/api/workitems", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "projectId is required", r.Error)
}

func TestValidateSprintDates(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.store.Set(context.Background(), validation.DashboardSprintsKey("PMP"), f.sprints, time.Minute))

	w, r := f.do(t, http.MethodPost, "/api/validation/sprint-dates", `{"projectId":"PMP","teamId":"Platform"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, r.Success)

	var verdict validation.Verdict
	raw, _ := json.Marshal(r.Data)
	require.NoError(t, json.Unmarshal(raw, &verdict))
	assert.True(t, verdict.Passed)
	assert.Equal(t, validation.KindSprintDates, verdict.Kind)
}

func TestValidateErrorMapping(t *testing.T) {
	f := newFixture(t, nil)

	// Nothing cached yet.
	w, r := f.do(t, http.MethodPost, "/api/validation/work-item-counts", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.False(t, r.Success)

	w, _ = f.do(t, http.MethodPost, "/api/validation/work-item-counts", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	g := newFixture(t, func(c *Config) { c.Targets = nil })
	w, r = g.do(t, http.MethodPost, "/api/validation/sprint-dates", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotEmpty(t, r.Error)
}

func TestValidationIsRateLimited(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.ValidationRate = 0.001
		c.ValidationBurst = 1
	})
	w, _ := f.do(t, http.MethodPost, "/api/validation/sprint-dates", "")
	assert.NotEqual(t, http.StatusTooManyRequests, w.Code)

	w, r := f.do(t, http.MethodPost, "/api/validation/sprint-dates", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.False(t, r.Success)
}

func TestValidationStatusAndStats(t *testing.T) {
	f := newFixture(t, nil)

	w, r := f.do(t, http.MethodGet, "/api/validation/status?projectId=PMP&teamId=Platform", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, r.Success)
	assert.Contains(t, w.Body.String(), `"status":"pending"`)

	w, r = f.do(t, http.MethodGet, "/api/validation/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, r.Success)
	assert.Contains(t, w.Body.String(), `"performance"`)
	assert.Contains(t, w.Body.String(), `"maxDateDiscrepancyDays":1`)
}

func TestHealthReportsComponents(t *testing.T) {
	f := newFixture(t, nil)
	w, _ := f.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var report health.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	require.Contains(t, report.Components, "stream")
	assert.Equal(t, health.StateUp, report.Components["stream"].State)

	f.surface.Add(health.ProviderFunc{ID: "redis", Fn: func(context.Context) health.Component {
		return health.Component{State: health.StateDown, Error: "refused"}
	}})
	w, _ = f.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodGet, "/api/validation/stats", "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pdm_http_requests_total")
}

// readFrame reads one server-sent event and returns its label and data.
func readFrame(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if event != "" || data != "" {
				return event, data
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestStreamDeliversScopedEvents(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/realtime/events?teamId=t1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	label, _ := readFrame(t, r)
	assert.Equal(t, core.LabelHeartbeat, label)

	other, err := core.NewEvent("e1", core.KindSprintUpdated, time.Now(), map[string]int{"n": 1})
	require.NoError(t, err)
	other.TeamID = "t2"
	mine, err := core.NewEvent("e2", core.KindSprintUpdated, time.Now(), map[string]int{"n": 2})
	require.NoError(t, err)
	mine.TeamID = "t1"
	require.NoError(t, f.bus.Publish(ctx, eventbus.DefaultTopic, other))
	require.NoError(t, f.bus.Publish(ctx, eventbus.DefaultTopic, mine))

	label, data := readFrame(t, r)
	assert.Equal(t, core.LabelSprintUpdated, label)
	var got core.Event
	require.NoError(t, json.Unmarshal([]byte(data), &got))
	assert.Equal(t, "e2", got.ID)
	assert.JSONEq(t, `{"n":2}`, string(got.Data))

	st := f.srv.Hub().Stats()
	assert.EqualValues(t, 1, st.Clients)
	assert.EqualValues(t, 1, st.Events)
	assert.NotNil(t, st.LastEventAt)
}

func TestStreamFeedsPushTransport(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	var (
		mu     sync.Mutex
		events []core.Event
	)
	tr := push.New(push.Config{URL: ts.URL + "/api/realtime/events"}, nil)
	tr.SetHandlers(push.Handlers{OnEvent: func(ev core.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}})
	require.NoError(t, tr.Open(context.Background()))
	defer tr.Close()
	require.Eventually(t, func() bool { return tr.State() == core.StateOpen }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.srv.Hub().Stats().Clients == 1 }, 2*time.Second, 5*time.Millisecond)

	ev, err := core.NewEvent("w1", core.KindWorkItemUpdated, time.Now(), map[string]int{"total": 3})
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), eventbus.DefaultTopic, ev))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			if e.ID == "w1" {
				return e.Kind == core.KindWorkItemUpdated
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSnapshotFeedsPoller(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.store.Set(context.Background(), validation.DashboardSprintsKey("PMP"), f.sprints, time.Minute))
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	p := poll.New(poll.Config{BaseURL: ts.URL}, nil)
	require.NoError(t, p.FetchOnce(context.Background(), "/api/metrics/sprints?projectId=PMP"))
	raw, _, ok := p.LastValue("/api/metrics/sprints?projectId=PMP")
	require.True(t, ok)
	assert.Contains(t, string(raw), `"id":"s1"`)

	err := p.FetchOnce(context.Background(), "/api/sync/status")
	assert.Error(t, err)
}
