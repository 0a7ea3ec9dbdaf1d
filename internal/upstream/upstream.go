// Package upstream is the read-only view of the issue tracker that the
// dashboard treats as authoritative.
package upstream

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when the tracker has no such project, team or
// iteration.
var ErrNotFound = errors.New("upstream: not found")

// Sprint is one iteration as the tracker reports it.
type Sprint struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Path       string     `json:"path,omitempty"`
	StartDate  *time.Time `json:"startDate,omitempty"`
	FinishDate *time.Time `json:"finishDate,omitempty"`
	TimeFrame  string     `json:"timeFrame,omitempty"`
}

// WorkItem is the subset of work item fields the dashboard uses.
type WorkItem struct {
	ID          int      `json:"id"`
	Type        string   `json:"type"`
	State       string   `json:"state"`
	Title       string   `json:"title"`
	AssignedTo  string   `json:"assignedTo,omitempty"`
	StoryPoints *float64 `json:"storyPoints,omitempty"`
}

// WorkItemCounts groups work items by category.
type WorkItemCounts struct {
	Total   int `json:"total"`
	Bugs    int `json:"bugs"`
	Stories int `json:"stories"`
	Tasks   int `json:"tasks"`
}

// Work item type names.
const (
	TypeBug                = "Bug"
	TypeTask               = "Task"
	TypeUserStory          = "User Story"
	TypeProductBacklogItem = "Product Backlog Item"
)

// CountWorkItems tallies items by category. Stories include both agile and
// scrum backlog item types.
func CountWorkItems(items []WorkItem) WorkItemCounts {
	c := WorkItemCounts{Total: len(items)}
	for _, it := range items {
		switch it.Type {
		case TypeBug:
			c.Bugs++
		case TypeTask:
			c.Tasks++
		case TypeUserStory, TypeProductBacklogItem:
			c.Stories++
		}
	}
	return c
}

// Adapter reads sprint and work item state for a project and team.
type Adapter interface {
	SprintDates(ctx context.Context, project, team string) ([]Sprint, error)
	CurrentSprintWorkItems(ctx context.Context, project, team string) ([]WorkItem, error)
}

// AdapterFuncs adapts plain functions to Adapter.
type AdapterFuncs struct {
	SprintsFunc   func(ctx context.Context, project, team string) ([]Sprint, error)
	WorkItemsFunc func(ctx context.Context, project, team string) ([]WorkItem, error)
}

func (a AdapterFuncs) SprintDates(ctx context.Context, project, team string) ([]Sprint, error) {
	if a.SprintsFunc == nil {
		return nil, ErrNotFound
	}
	return a.SprintsFunc(ctx, project, team)
}

func (a AdapterFuncs) CurrentSprintWorkItems(ctx context.Context, project, team string) ([]WorkItem, error) {
	if a.WorkItemsFunc == nil {
		return nil, ErrNotFound
	}
	return a.WorkItemsFunc(ctx, project, team)
}
