// Package snapshot keeps the cached dashboard projection in step with the
// upstream tracker and announces every refresh on the event bus.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/aeiouboy/ris-pdm-performance/internal/core"
	"github.com/aeiouboy/ris-pdm-performance/internal/eventbus"
	"github.com/aeiouboy/ris-pdm-performance/internal/kvcache"
	"github.com/aeiouboy/ris-pdm-performance/internal/upstream"
	"github.com/aeiouboy/ris-pdm-performance/internal/validation"
)

// OverviewKey is where the per-project overview lives.
func OverviewKey(projectID string) string { return "dashboard:overview:" + projectID }

// SyncStatusKey is where the outcome of the latest sync of a project lives.
func SyncStatusKey(projectID string) string { return "dashboard:syncStatus:" + projectID }

// SyncRecorder receives the outcome of every sync.
type SyncRecorder interface {
	UpdateSyncStats(success bool)
}

// Overview is the headline numbers of a project's current sprint.
type Overview struct {
	ProjectID       string                  `json:"projectId"`
	TeamID          string                  `json:"teamId"`
	CurrentSprint   *upstream.Sprint        `json:"currentSprint,omitempty"`
	Sprints         int                     `json:"sprints"`
	Counts          upstream.WorkItemCounts `json:"counts"`
	StoryPoints     float64                 `json:"storyPoints"`
	CompletedPoints float64                 `json:"completedPoints"`
	CompletedItems  int                     `json:"completedItems"`
	UpdatedAt       time.Time               `json:"updatedAt"`
}

// SyncStatus is the payload of a sync_completed event.
type SyncStatus struct {
	ProjectID string    `json:"projectId"`
	TeamID    string    `json:"teamId"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Duration  int64     `json:"durationMillis"`
	At        time.Time `json:"at"`
}

// Config configures a Syncer.
type Config struct {
	Targets     []validation.Target
	Interval    time.Duration
	SnapshotTTL time.Duration
	Topic       string
}

// Syncer refreshes dashboard snapshots.
type Syncer struct {
	cfg      Config
	adapter  upstream.Adapter
	store    kvcache.Store
	bus      eventbus.Bus
	recorder SyncRecorder
	logger   *slog.Logger
	now      func() time.Time
}

// New returns a Syncer. recorder may be nil.
func New(cfg Config, adapter upstream.Adapter, store kvcache.Store, bus eventbus.Bus, recorder SyncRecorder, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = 30 * time.Minute
	}
	if cfg.Topic == "" {
		cfg.Topic = eventbus.DefaultTopic
	}
	return &Syncer{
		cfg:      cfg,
		adapter:  adapter,
		store:    store,
		bus:      bus,
		recorder: recorder,
		logger:   logger.With("component", "snapshot"),
		now:      time.Now,
	}
}

// Name identifies the syncer in the service supervisor.
func (s *Syncer) Name() string { return "snapshot-sync" }

// Run syncs immediately and then every interval until ctx ends.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := s.SyncAll(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("sync incomplete", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SyncAll syncs every configured target and joins their errors.
func (s *Syncer) SyncAll(ctx context.Context) error {
	var errs []error
	for _, t := range s.cfg.Targets {
		if err := s.SyncTarget(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SyncTarget refreshes one project and team.
func (s *Syncer) SyncTarget(ctx context.Context, t validation.Target) error {
	start := s.now()
	err := s.syncTarget(ctx, t)
	status := SyncStatus{
		ProjectID: t.ProjectID,
		TeamID:    t.TeamID,
		Success:   err == nil,
		Duration:  s.now().Sub(start).Milliseconds(),
		At:        s.now(),
	}
	if err != nil {
		status.Error = err.Error()
		s.logger.Warn("sync failed", "project", t.ProjectID, "team", t.TeamID, "error", err)
	} else {
		s.logger.Info("sync completed", "project", t.ProjectID, "team", t.TeamID, "durationMillis", status.Duration)
	}
	if werr := s.store.Set(ctx, SyncStatusKey(t.ProjectID), status, s.cfg.SnapshotTTL); werr != nil {
		s.logger.Warn("write sync status", "project", t.ProjectID, "error", werr)
	}
	if s.recorder != nil {
		s.recorder.UpdateSyncStats(err == nil)
	}
	s.publish(ctx, core.KindSyncCompleted, t, status)
	return err
}

func (s *Syncer) syncTarget(ctx context.Context, t validation.Target) error {
	var (
		sprints []upstream.Sprint
		items   []upstream.WorkItem
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sprints, err = s.adapter.SprintDates(gctx, t.ProjectID, t.TeamID)
		if err != nil {
			return fmt.Errorf("snapshot: sprints: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		items, err = s.adapter.CurrentSprintWorkItems(gctx, t.ProjectID, t.TeamID)
		if err != nil {
			return fmt.Errorf("snapshot: work items: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	now := s.now()
	workItems := validation.DashboardWorkItems{
		TeamID:    t.TeamID,
		Items:     items,
		Counts:    upstream.CountWorkItems(items),
		UpdatedAt: now,
	}
	overview := buildOverview(t, sprints, items, now)

	writes := []struct {
		key   string
		value interface{}
	}{
		{validation.DashboardSprintsKey(t.ProjectID), sprints},
		{validation.DashboardWorkItemsKey(t.ProjectID), workItems},
		{OverviewKey(t.ProjectID), overview},
	}
	for _, w := range writes {
		if err := s.store.Set(ctx, w.key, w.value, s.cfg.SnapshotTTL); err != nil {
			return fmt.Errorf("snapshot: write %s: %w", w.key, err)
		}
	}

	s.publish(ctx, core.KindSprintUpdated, t, sprints)
	s.publish(ctx, core.KindWorkItemUpdated, t, workItems)
	s.publish(ctx, core.KindGeneric, t, overview)
	return nil
}

func (s *Syncer) publish(ctx context.Context, kind core.EventKind, t validation.Target, payload interface{}) {
	if s.bus == nil {
		return
	}
	ev, err := core.NewEvent(uuid.NewString(), kind, s.now(), payload)
	if err != nil {
		s.logger.Error("encode event", "kind", kind, "error", err)
		return
	}
	ev.ProjectID = t.ProjectID
	ev.TeamID = t.TeamID
	if err := s.bus.Publish(ctx, s.cfg.Topic, ev); err != nil {
		s.logger.Warn("publish event", "kind", kind, "error", err)
	}
}

func buildOverview(t validation.Target, sprints []upstream.Sprint, items []upstream.WorkItem, now time.Time) Overview {
	o := Overview{
		ProjectID: t.ProjectID,
		TeamID:    t.TeamID,
		Sprints:   len(sprints),
		Counts:    upstream.CountWorkItems(items),
		UpdatedAt: now,
	}
	for i := range sprints {
		if sprints[i].TimeFrame == "current" {
			cur := sprints[i]
			o.CurrentSprint = &cur
			break
		}
	}
	for _, it := range items {
		done := it.State == "Done" || it.State == "Closed" || it.State == "Resolved"
		if done {
			o.CompletedItems++
		}
		if it.StoryPoints != nil {
			o.StoryPoints += *it.StoryPoints
			if done {
				o.CompletedPoints += *it.StoryPoints
			}
		}
	}
	return o
}
