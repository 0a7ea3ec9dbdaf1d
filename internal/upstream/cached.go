package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/aeiouboy/ris-pdm-performance/internal/kvcache"
)

// Cached wraps an Adapter with a short-lived cache. Concurrent identical
// calls share one upstream request.
type Cached struct {
	next   Adapter
	store  kvcache.Store
	ttl    time.Duration
	logger *slog.Logger
	flight singleflight.Group

	// fetchTimeout bounds a shared upstream call, which outlives any one
	// caller's context.
	fetchTimeout time.Duration
}

// NewCached returns a caching Adapter. A non-positive ttl disables caching
// but keeps call coalescing.
func NewCached(next Adapter, store kvcache.Store, ttl time.Duration, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{
		next:         next,
		store:        store,
		ttl:          ttl,
		logger:       logger.With("component", "upstream-cache"),
		fetchTimeout: 30 * time.Second,
	}
}

func (c *Cached) SprintDates(ctx context.Context, project, team string) ([]Sprint, error) {
	return load(ctx, c, fmt.Sprintf("upstream:sprints:%s:%s", project, team), func(ctx context.Context) ([]Sprint, error) {
		return c.next.SprintDates(ctx, project, team)
	})
}

func (c *Cached) CurrentSprintWorkItems(ctx context.Context, project, team string) ([]WorkItem, error) {
	return load(ctx, c, fmt.Sprintf("upstream:workItems:%s:%s", project, team), func(ctx context.Context) ([]WorkItem, error) {
		return c.next.CurrentSprintWorkItems(ctx, project, team)
	})
}

func load[T any](ctx context.Context, c *Cached, key string, fetch func(context.Context) ([]T, error)) ([]T, error) {
	if c.ttl > 0 {
		var cached []T
		found, err := c.store.Get(ctx, key, &cached)
		if err != nil {
			c.logger.Warn("cache read failed", "key", key, "error", err)
		} else if found {
			return cached, nil
		}
	}

	// The shared call is detached from whichever caller started it.
	ch := c.flight.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		items, err := fetch(fctx)
		if err != nil {
			return nil, err
		}
		if c.ttl > 0 {
			if err := c.store.Set(fctx, key, items, c.ttl); err != nil {
				c.logger.Warn("cache write failed", "key", key, "error", err)
			}
		}
		return items, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		items := res.Val.([]T)
		return append([]T(nil), items...), nil
	}
}
