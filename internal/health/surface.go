// Package health projects connection status, validation verdicts and
// counters into one read-only report.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aeiouboy/ris-pdm-performance/internal/validation"
)

// Component states.
const (
	StateUp       = "up"
	StateDegraded = "degraded"
	StateDown     = "down"
)

// Component is the status of one moving part.
type Component struct {
	State   string      `json:"state"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// Provider reports on one component.
type Provider interface {
	Name() string
	Check(ctx context.Context) Component
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc struct {
	ID string
	Fn func(ctx context.Context) Component
}

func (p ProviderFunc) Name() string                        { return p.ID }
func (p ProviderFunc) Check(ctx context.Context) Component { return p.Fn(ctx) }

// Pinger is anything that can report reachability, such as a Redis store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping reports a component as up when p answers and down otherwise.
func Ping(name string, p Pinger) Provider {
	return ProviderFunc{ID: name, Fn: func(ctx context.Context) Component {
		if err := p.Ping(ctx); err != nil {
			return Component{State: StateDown, Error: err.Error()}
		}
		return Component{State: StateUp}
	}}
}

// Report is the full health projection.
type Report struct {
	Status        validation.HealthStatus  `json:"status"`
	Data          validation.HealthSummary `json:"data"`
	Components    map[string]Component     `json:"components"`
	Validation    validation.Stats         `json:"validation"`
	UptimeSeconds int64                    `json:"uptimeSeconds"`
	Timestamp     time.Time                `json:"timestamp"`
}

// Healthy reports whether the data summary could be produced and no
// component is down.
func (r Report) Healthy() bool {
	if r.Status == validation.StatusError {
		return false
	}
	for _, c := range r.Components {
		if c.State == StateDown {
			return false
		}
	}
	return true
}

// Surface builds Reports.
type Surface struct {
	validator *validation.Validator
	startedAt time.Time
	timeout   time.Duration

	mu        sync.RWMutex
	providers []Provider
}

// NewSurface returns a Surface over v and the given providers.
func NewSurface(v *validation.Validator, providers ...Provider) *Surface {
	return &Surface{
		validator: v,
		startedAt: time.Now(),
		timeout:   2 * time.Second,
		providers: providers,
	}
}

// Add registers another provider.
func (s *Surface) Add(p Provider) {
	s.mu.Lock()
	s.providers = append(s.providers, p)
	s.mu.Unlock()
}

// Report checks every provider concurrently, each under a short timeout.
func (s *Surface) Report(ctx context.Context, projectID, teamID string) Report {
	summary := s.validator.LastSyncStatus(ctx, projectID, teamID)

	s.mu.RLock()
	providers := append([]Provider(nil), s.providers...)
	s.mu.RUnlock()
	sort.Slice(providers, func(i, j int) bool { return providers[i].Name() < providers[j].Name() })

	results := make([]Component, len(providers))
	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			results[i] = p.Check(cctx)
		}()
	}
	wg.Wait()

	components := make(map[string]Component, len(providers))
	for i, p := range providers {
		components[p.Name()] = results[i]
	}
	return Report{
		Status:        summary.Status,
		Data:          summary,
		Components:    components,
		Validation:    s.validator.Stats(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Timestamp:     time.Now(),
	}
}
