package validation

import (
	"errors"
	"fmt"
	"time"

	"github.com/aeiouboy/ris-pdm-performance/internal/upstream"
)

var (
	// ErrMissingData is returned when the upstream data or the cached
	// dashboard snapshot a validation needs is absent.
	ErrMissingData = errors.New("validation: missing data")
	// ErrInvalidTarget is returned for an empty project or team.
	ErrInvalidTarget = errors.New("validation: project and team are required")
)

// MissingDataError names the input that was absent.
type MissingDataError struct {
	What  string
	Cause error
}

func (e *MissingDataError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("validation: missing %s: %v", e.What, e.Cause)
	}
	return "validation: missing " + e.What
}

func (e *MissingDataError) Is(target error) bool { return target == ErrMissingData }

func (e *MissingDataError) Unwrap() error { return e.Cause }

// Thresholds tune what counts as a discrepancy.
type Thresholds struct {
	MaxDateDiscrepancyDays int `json:"maxDateDiscrepancyDays" yaml:"max_date_discrepancy_days"`
	MaxWorkItemCountDelta  int `json:"maxWorkItemCountDelta" yaml:"max_work_item_count_delta"`
	AlertThresholdHours    int `json:"alertThresholdHours" yaml:"alert_threshold_hours"`
	PerformanceSampleCap   int `json:"performanceSampleCap" yaml:"performance_sample_cap"`
}

// DefaultThresholds returns the production thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxDateDiscrepancyDays: 1,
		MaxWorkItemCountDelta:  5,
		AlertThresholdHours:    2,
		PerformanceSampleCap:   100,
	}
}

// Kind is the validation a verdict belongs to.
type Kind string

const (
	KindSprintDates    Kind = "sprintDates"
	KindWorkItemCounts Kind = "workItemCounts"
)

// Issue classifies a discrepancy.
type Issue string

const (
	IssueSprintMissing Issue = "SprintMissingFromDashboard"
	IssueDateDrift     Issue = "DateDriftExceedsThreshold"
	IssueCountMismatch Issue = "WorkItemCountMismatch"
)

// Discrepancy is one observed deviation between upstream and dashboard.
type Discrepancy struct {
	EntityRef string      `json:"entityRef"`
	Issue     Issue       `json:"issue"`
	Expected  interface{} `json:"expected,omitempty"`
	Observed  interface{} `json:"observed,omitempty"`
	Magnitude int         `json:"magnitude"`
}

// Verdict is the outcome of one validation run.
type Verdict struct {
	Timestamp     time.Time      `json:"timestamp"`
	ProjectID     string         `json:"projectId"`
	TeamID        string         `json:"teamId"`
	Kind          Kind           `json:"kind"`
	Passed        bool           `json:"passed"`
	Discrepancies []Discrepancy  `json:"discrepancies"`
	Totals        map[string]int `json:"totals"`
}

// DashboardWorkItems is the cached dashboard projection of a project's
// current sprint work items.
type DashboardWorkItems struct {
	TeamID    string                  `json:"teamId,omitempty"`
	Items     []upstream.WorkItem     `json:"items"`
	Counts    upstream.WorkItemCounts `json:"counts"`
	UpdatedAt time.Time               `json:"updatedAt"`
}

// Cache keys shared with the snapshot writer and the HTTP server.
func DashboardSprintsKey(projectID string) string   { return "dashboard:sprints:" + projectID }
func DashboardWorkItemsKey(projectID string) string { return "dashboard:workItems:" + projectID }

func verdictKey(kind Kind, projectID, teamID string) string {
	return fmt.Sprintf("validation:%s:%s:%s", kind, projectID, teamID)
}

// Verdict lifetimes.
const (
	SprintDatesTTL    = 30 * time.Minute
	WorkItemCountsTTL = 5 * time.Minute
)

// HealthStatus is the derived health of the dashboard data.
type HealthStatus string

const (
	StatusHealthy        HealthStatus = "healthy"
	StatusPending        HealthStatus = "pending"
	StatusIssuesDetected HealthStatus = "issues_detected"
	StatusStaleData      HealthStatus = "stale_data"
	StatusError          HealthStatus = "error"
)

// Counters only ever grow.
type Counters struct {
	TotalValidations int64 `json:"totalValidations"`
	ValidationPassed int64 `json:"validationPassed"`
	ValidationFailed int64 `json:"validationFailed"`
	Errors           int64 `json:"errors"`
	SyncSuccesses    int64 `json:"syncSuccesses"`
	SyncFailures     int64 `json:"syncFailures"`
}

// PerformanceSample records one validation run.
type PerformanceSample struct {
	Operation      string    `json:"operation"`
	DurationMillis int64     `json:"durationMillis"`
	Success        bool      `json:"success"`
	Timestamp      time.Time `json:"timestamp"`
}

// PerformanceDigest summarises the retained samples.
type PerformanceDigest struct {
	AverageDuration  int64               `json:"averageDuration"`
	Operations       int                 `json:"operations"`
	SuccessRate      int                 `json:"successRate"`
	RecentOperations []PerformanceSample `json:"recentOperations"`
}

// HealthSummary is derived on every call and never stored.
type HealthSummary struct {
	Status          HealthStatus      `json:"status"`
	ProjectID       string            `json:"projectId,omitempty"`
	TeamID          string            `json:"teamId,omitempty"`
	SprintDates     *Verdict          `json:"sprintDates,omitempty"`
	WorkItemCounts  *Verdict          `json:"workItemCounts,omitempty"`
	LastSyncSuccess *time.Time        `json:"lastSyncSuccess,omitempty"`
	HoursSinceSync  float64           `json:"hoursSinceLastSync"`
	Counters        Counters          `json:"counters"`
	Performance     PerformanceDigest `json:"performance"`
	Error           string            `json:"error,omitempty"`
	CheckedAt       time.Time         `json:"checkedAt"`
}

// MemoryUsage is a subset of runtime.MemStats.
type MemoryUsage struct {
	Alloc     uint64 `json:"alloc"`
	HeapInuse uint64 `json:"heapInuse"`
	Sys       uint64 `json:"sys"`
	NumGC     uint32 `json:"numGC"`
}

// Stats is the validation service snapshot.
type Stats struct {
	Counters        Counters    `json:"counters"`
	Thresholds      Thresholds  `json:"thresholds"`
	UptimeSeconds   int64       `json:"uptimeSeconds"`
	Memory          MemoryUsage `json:"memoryUsage"`
	LastSyncSuccess *time.Time  `json:"lastSyncSuccess,omitempty"`
	LastSyncAttempt *time.Time  `json:"lastSyncAttempt,omitempty"`
}
