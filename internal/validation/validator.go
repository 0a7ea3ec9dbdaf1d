// Package validation compares the cached dashboard projection against the
// upstream tracker, stores verdicts with a TTL and derives data health.
package validation

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aeiouboy/ris-pdm-performance/internal/kvcache"
	"github.com/aeiouboy/ris-pdm-performance/internal/upstream"
)

const day = 24 * time.Hour

// Validator runs validations and keeps their counters.
type Validator struct {
	store      kvcache.Store
	thresholds Thresholds
	logger     *slog.Logger
	now        func() time.Time
	startedAt  time.Time
	perf       *perfLog

	mu              sync.Mutex
	counters        Counters
	lastSyncSuccess time.Time
	lastSyncAttempt time.Time
}

// New returns a Validator storing verdicts in store. Zero thresholds take
// their defaults.
func New(store kvcache.Store, th Thresholds, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultThresholds()
	if th.MaxDateDiscrepancyDays <= 0 {
		th.MaxDateDiscrepancyDays = d.MaxDateDiscrepancyDays
	}
	if th.MaxWorkItemCountDelta <= 0 {
		th.MaxWorkItemCountDelta = d.MaxWorkItemCountDelta
	}
	if th.AlertThresholdHours <= 0 {
		th.AlertThresholdHours = d.AlertThresholdHours
	}
	if th.PerformanceSampleCap <= 0 {
		th.PerformanceSampleCap = d.PerformanceSampleCap
	}
	return &Validator{
		store:      store,
		thresholds: th,
		logger:     logger.With("component", "validation"),
		now:        time.Now,
		startedAt:  time.Now(),
		perf:       newPerfLog(th.PerformanceSampleCap),
	}
}

// Thresholds returns the thresholds in effect.
func (v *Validator) Thresholds() Thresholds { return v.thresholds }

// ValidateSprintDates checks the cached sprint list of projectID against the
// upstream sprints of teamID.
func (v *Validator) ValidateSprintDates(ctx context.Context, projectID, teamID string, adapter upstream.Adapter) (*Verdict, error) {
	return v.run(ctx, KindSprintDates, projectID, teamID, func(ctx context.Context) (*Verdict, error) {
		authoritative, err := adapter.SprintDates(ctx, projectID, teamID)
		if err != nil {
			return nil, &MissingDataError{What: "upstream sprints", Cause: err}
		}
		if authoritative == nil {
			return nil, &MissingDataError{What: "upstream sprints"}
		}
		var cached []upstream.Sprint
		found, err := v.store.Get(ctx, DashboardSprintsKey(projectID), &cached)
		if err != nil {
			return nil, fmt.Errorf("validation: read dashboard sprints: %w", err)
		}
		if !found {
			return nil, &MissingDataError{What: "dashboard sprints"}
		}
		return v.compareSprints(projectID, teamID, authoritative, cached), nil
	})
}

func (v *Validator) compareSprints(projectID, teamID string, authoritative, cached []upstream.Sprint) *Verdict {
	verdict := &Verdict{
		ProjectID:     projectID,
		TeamID:        teamID,
		Kind:          KindSprintDates,
		Discrepancies: []Discrepancy{},
	}
	var missing, drifted int
	for _, want := range authoritative {
		got, ok := findSprint(cached, want)
		if !ok {
			missing++
			verdict.Discrepancies = append(verdict.Discrepancies, Discrepancy{
				EntityRef: sprintRef(want),
				Issue:     IssueSprintMissing,
				Expected:  want.Name,
			})
			continue
		}
		dStart, okStart := dayDelta(want.StartDate, got.StartDate)
		dEnd, okEnd := dayDelta(want.FinishDate, got.FinishDate)
		limit := v.thresholds.MaxDateDiscrepancyDays
		if (okStart && abs(dStart) > limit) || (okEnd && abs(dEnd) > limit) {
			drifted++
			verdict.Discrepancies = append(verdict.Discrepancies, Discrepancy{
				EntityRef: sprintRef(want),
				Issue:     IssueDateDrift,
				Expected:  sprintDates(want),
				Observed:  sprintDates(got),
				Magnitude: max(abs(dStart), abs(dEnd)),
			})
		}
	}
	verdict.Passed = len(verdict.Discrepancies) == 0
	verdict.Totals = map[string]int{
		"upstreamSprints":  len(authoritative),
		"dashboardSprints": len(cached),
		"missing":          missing,
		"drifted":          drifted,
	}
	return verdict
}

// ValidateWorkItemCounts checks the cached work item counts of projectID
// against the upstream current sprint of teamID.
func (v *Validator) ValidateWorkItemCounts(ctx context.Context, projectID, teamID string, adapter upstream.Adapter) (*Verdict, error) {
	return v.run(ctx, KindWorkItemCounts, projectID, teamID, func(ctx context.Context) (*Verdict, error) {
		items, err := adapter.CurrentSprintWorkItems(ctx, projectID, teamID)
		if err != nil {
			return nil, &MissingDataError{What: "upstream work items", Cause: err}
		}
		if items == nil {
			return nil, &MissingDataError{What: "upstream work items"}
		}
		var cached DashboardWorkItems
		found, err := v.store.Get(ctx, DashboardWorkItemsKey(projectID), &cached)
		if err != nil {
			return nil, fmt.Errorf("validation: read dashboard work items: %w", err)
		}
		if !found {
			return nil, &MissingDataError{What: "dashboard work items"}
		}
		return v.compareCounts(projectID, teamID, upstream.CountWorkItems(items), cached.Counts), nil
	})
}

func (v *Validator) compareCounts(projectID, teamID string, want, got upstream.WorkItemCounts) *Verdict {
	verdict := &Verdict{
		ProjectID:     projectID,
		TeamID:        teamID,
		Kind:          KindWorkItemCounts,
		Discrepancies: []Discrepancy{},
	}
	categories := []struct {
		name      string
		want, got int
	}{
		{"total", want.Total, got.Total},
		{"bugs", want.Bugs, got.Bugs},
		{"stories", want.Stories, got.Stories},
		{"tasks", want.Tasks, got.Tasks},
	}
	for _, c := range categories {
		if d := abs(c.want - c.got); d > v.thresholds.MaxWorkItemCountDelta {
			verdict.Discrepancies = append(verdict.Discrepancies, Discrepancy{
				EntityRef: c.name,
				Issue:     IssueCountMismatch,
				Expected:  c.want,
				Observed:  c.got,
				Magnitude: d,
			})
		}
	}
	verdict.Passed = len(verdict.Discrepancies) == 0
	verdict.Totals = map[string]int{
		"upstreamTotal":  want.Total,
		"dashboardTotal": got.Total,
	}
	return verdict
}

// run wraps one validation with tracing, counters, the performance log and
// verdict persistence.
func (v *Validator) run(ctx context.Context, kind Kind, projectID, teamID string, body func(context.Context) (*Verdict, error)) (*Verdict, error) {
	if projectID == "" || teamID == "" {
		return nil, ErrInvalidTarget
	}
	ctx, span := startValidationSpan(ctx, kind, projectID, teamID)
	defer span.End()

	start := v.now()
	verdict, err := body(ctx)
	if err == nil {
		verdict.Timestamp = v.now()
		ttl := SprintDatesTTL
		if kind == KindWorkItemCounts {
			ttl = WorkItemCountsTTL
		}
		if serr := v.store.Set(ctx, verdictKey(kind, projectID, teamID), verdict, ttl); serr != nil {
			err = fmt.Errorf("validation: store verdict: %w", serr)
		}
	}
	elapsed := v.now().Sub(start)

	v.perf.add(PerformanceSample{
		Operation:      string(kind),
		DurationMillis: elapsed.Milliseconds(),
		Success:        err == nil,
		Timestamp:      start,
	})
	outcome := v.count(err, verdict)
	observeValidation(kind, outcome, elapsed)
	endValidationSpan(span, verdict, err)

	if err != nil {
		v.logger.Warn("validation failed to complete", "kind", kind, "project", projectID, "team", teamID, "error", err)
		return nil, err
	}
	if !verdict.Passed {
		v.logger.Warn("validation found discrepancies", "kind", kind, "project", projectID, "team", teamID, "discrepancies", len(verdict.Discrepancies))
	} else {
		v.logger.Debug("validation passed", "kind", kind, "project", projectID, "team", teamID)
	}
	return verdict, nil
}

func (v *Validator) count(err error, verdict *Verdict) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.counters.TotalValidations++
	switch {
	case err != nil:
		v.counters.Errors++
		return "error"
	case verdict.Passed:
		v.counters.ValidationPassed++
		return "passed"
	default:
		v.counters.ValidationFailed++
		return "failed"
	}
}

// ValidateAll runs both validations concurrently. Either verdict may be nil
// when its validation failed; the first error is returned.
func (v *Validator) ValidateAll(ctx context.Context, projectID, teamID string, adapter upstream.Adapter) (sprints, counts *Verdict, err error) {
	var g errgroup.Group
	g.Go(func() error {
		var err error
		sprints, err = v.ValidateSprintDates(ctx, projectID, teamID, adapter)
		return err
	})
	g.Go(func() error {
		var err error
		counts, err = v.ValidateWorkItemCounts(ctx, projectID, teamID, adapter)
		return err
	})
	err = g.Wait()
	return sprints, counts, err
}

// UpdateSyncStats records the outcome of a dashboard data sync.
func (v *Validator) UpdateSyncStats(success bool) {
	now := v.now()
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastSyncAttempt = now
	if success {
		v.counters.SyncSuccesses++
		v.lastSyncSuccess = now
	} else {
		v.counters.SyncFailures++
	}
	syncsTotal.WithLabelValues(resultLabel(success)).Inc()
}

// LastSyncStatus derives the data health. With both projectID and teamID it
// reports on that pair's stored verdicts; otherwise on the process counters.
func (v *Validator) LastSyncStatus(ctx context.Context, projectID, teamID string) HealthSummary {
	now := v.now()
	v.mu.Lock()
	counters := v.counters
	lastSuccess := v.lastSyncSuccess
	v.mu.Unlock()

	summary := HealthSummary{
		ProjectID:   projectID,
		TeamID:      teamID,
		Counters:    counters,
		Performance: v.perf.digest(),
		CheckedAt:   now,
	}
	since := v.startedAt
	if !lastSuccess.IsZero() {
		since = lastSuccess
		summary.LastSyncSuccess = &lastSuccess
	}
	summary.HoursSinceSync = now.Sub(since).Hours()

	if projectID != "" && teamID != "" {
		sprints, err := v.loadVerdict(ctx, KindSprintDates, projectID, teamID)
		if err == nil {
			summary.SprintDates = sprints
			summary.WorkItemCounts, err = v.loadVerdict(ctx, KindWorkItemCounts, projectID, teamID)
		}
		switch {
		case err != nil:
			summary.Status = StatusError
			summary.Error = err.Error()
		case summary.SprintDates == nil || summary.WorkItemCounts == nil:
			summary.Status = StatusPending
		case !summary.SprintDates.Passed || !summary.WorkItemCounts.Passed:
			summary.Status = StatusIssuesDetected
		default:
			summary.Status = StatusHealthy
		}
		return summary
	}

	switch {
	case summary.HoursSinceSync > float64(v.thresholds.AlertThresholdHours):
		summary.Status = StatusStaleData
	case counters.ValidationFailed > counters.ValidationPassed:
		summary.Status = StatusIssuesDetected
	default:
		summary.Status = StatusHealthy
	}
	return summary
}

func (v *Validator) loadVerdict(ctx context.Context, kind Kind, projectID, teamID string) (*Verdict, error) {
	var verdict Verdict
	found, err := v.store.Get(ctx, verdictKey(kind, projectID, teamID), &verdict)
	if err != nil {
		return nil, fmt.Errorf("validation: read %s verdict: %w", kind, err)
	}
	if !found {
		return nil, nil
	}
	return &verdict, nil
}

// Stats returns counters, thresholds, uptime and memory usage.
func (v *Validator) Stats() Stats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	v.mu.Lock()
	defer v.mu.Unlock()
	st := Stats{
		Counters:      v.counters,
		Thresholds:    v.thresholds,
		UptimeSeconds: int64(v.now().Sub(v.startedAt).Seconds()),
		Memory: MemoryUsage{
			Alloc:     ms.Alloc,
			HeapInuse: ms.HeapInuse,
			Sys:       ms.Sys,
			NumGC:     ms.NumGC,
		},
	}
	if !v.lastSyncSuccess.IsZero() {
		t := v.lastSyncSuccess
		st.LastSyncSuccess = &t
	}
	if !v.lastSyncAttempt.IsZero() {
		t := v.lastSyncAttempt
		st.LastSyncAttempt = &t
	}
	return st
}

// Performance returns the digest of retained performance samples.
func (v *Validator) Performance() PerformanceDigest { return v.perf.digest() }

// findSprint matches by ID across all of cached before falling back to name.
func findSprint(cached []upstream.Sprint, want upstream.Sprint) (upstream.Sprint, bool) {
	if want.ID != "" {
		for _, s := range cached {
			if s.ID == want.ID {
				return s, true
			}
		}
	}
	if want.Name != "" {
		for _, s := range cached {
			if s.Name == want.Name {
				return s, true
			}
		}
	}
	return upstream.Sprint{}, false
}

// dayDelta is a-b in whole days, rounding half up. It reports false when
// either date is unknown.
func dayDelta(a, b *time.Time) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	return int(math.Floor(float64(a.Sub(*b))/float64(day) + 0.5)), true
}

func sprintRef(s upstream.Sprint) string {
	if s.ID != "" {
		return s.ID
	}
	return s.Name
}

func sprintDates(s upstream.Sprint) map[string]string {
	out := map[string]string{}
	if s.StartDate != nil {
		out["startDate"] = s.StartDate.UTC().Format(time.RFC3339)
	}
	if s.FinishDate != nil {
		out["finishDate"] = s.FinishDate.UTC().Format(time.RFC3339)
	}
	return out
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
