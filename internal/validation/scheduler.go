package validation

import (
	"context"
	"log/slog"
	"time"

	"github.com/aeiouboy/ris-pdm-performance/internal/upstream"
)

// Target is one project and team to validate.
type Target struct {
	ProjectID string `yaml:"project_id" json:"projectId"`
	TeamID    string `yaml:"team_id" json:"teamId"`
}

// Scheduler validates every target on a fixed interval.
type Scheduler struct {
	validator *Validator
	adapter   upstream.Adapter
	targets   []Target
	interval  time.Duration
	logger    *slog.Logger
}

// NewScheduler returns a Scheduler. It does nothing until Run.
func NewScheduler(v *Validator, adapter upstream.Adapter, targets []Target, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Scheduler{
		validator: v,
		adapter:   adapter,
		targets:   targets,
		interval:  interval,
		logger:    logger.With("component", "validation-scheduler"),
	}
}

// Name identifies the scheduler in the service supervisor.
func (s *Scheduler) Name() string { return "validation-scheduler" }

// Run validates immediately and then every interval until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce validates every target once. Failures are logged.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, t := range s.targets {
		if ctx.Err() != nil {
			return
		}
		sprints, counts, err := s.validator.ValidateAll(ctx, t.ProjectID, t.TeamID, s.adapter)
		if err != nil {
			s.logger.Warn("scheduled validation incomplete", "project", t.ProjectID, "team", t.TeamID, "error", err)
		}
		s.logger.Info("scheduled validation finished",
			"project", t.ProjectID,
			"team", t.TeamID,
			"sprintDatesPassed", sprints != nil && sprints.Passed,
			"workItemCountsPassed", counts != nil && counts.Passed,
		)
	}
}
