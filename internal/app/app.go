// Package app wires the dashboard process together and supervises its
// long-running services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/aeiouboy/ris-pdm-performance/internal/config"
	"github.com/aeiouboy/ris-pdm-performance/internal/eventbus"
	"github.com/aeiouboy/ris-pdm-performance/internal/health"
	"github.com/aeiouboy/ris-pdm-performance/internal/kvcache"
	"github.com/aeiouboy/ris-pdm-performance/internal/server"
	"github.com/aeiouboy/ris-pdm-performance/internal/snapshot"
	"github.com/aeiouboy/ris-pdm-performance/internal/upstream"
	"github.com/aeiouboy/ris-pdm-performance/internal/upstream/azdo"
	"github.com/aeiouboy/ris-pdm-performance/internal/validation"
)

// Service kinds the App creates.
const (
	KindSync       = "sync"
	KindValidation = "validation"
	KindHTTP       = "http"
)

// Kinds lists the services a serving process runs.
func Kinds() []string { return []string{KindSync, KindValidation, KindHTTP} }

// App holds the shared components of a dashboard process.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	Store kvcache.Store
	Bus   eventbus.Bus
	// Upstream answers validations; Cached feeds the snapshot sync.
	Upstream  upstream.Adapter
	Cached    upstream.Adapter
	Validator *validation.Validator
	Health    *health.Surface
}

// New builds the shared components from cfg. A nil tracker selects the
// Azure DevOps client.
func New(cfg *config.Config, tracker upstream.Adapter, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("app: invalid config: %w", err)
	}
	a := &App{cfg: cfg, logger: logger}

	opts := &redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
	var providers []health.Provider
	switch cfg.Cache.Backend {
	case "redis":
		rs := kvcache.NewRedisStore(opts, cfg.Redis.Prefix, logger)
		a.Store = rs
		providers = append(providers, health.Ping("cache", rs))
	default:
		a.Store = kvcache.NewMemoryStore()
	}
	switch cfg.EventBus.Backend {
	case "redis":
		rb := eventbus.NewRedisBus(opts, logger)
		a.Bus = rb
		providers = append(providers, health.Ping("event-bus", rb))
	default:
		a.Bus = eventbus.NewMemoryBus(cfg.EventBus.Buffer)
	}

	if tracker == nil {
		if cfg.AzureDevOps.Organization == "" {
			logger.Warn("azure_devops.organization is empty; upstream calls will fail")
		}
		tracker = azdo.New(azdo.Config{
			Organization: cfg.AzureDevOps.Organization,
			PAT:          cfg.AzureDevOps.PAT,
			Timeout:      cfg.AzureDevOps.Timeout,
		}, logger)
	}
	a.Upstream = tracker
	a.Cached = upstream.NewCached(tracker, a.Store, cfg.Cache.UpstreamTTL, logger)
	a.Validator = validation.New(a.Store, cfg.Validation.Thresholds, logger)
	a.Health = health.NewSurface(a.Validator, providers...)
	return a, nil
}

// Create implements ServiceFactory.
func (a *App) Create(kind string) (Service, error) {
	cfg := a.cfg
	switch kind {
	case KindSync:
		return a.NewSyncer(), nil
	case KindValidation:
		return validation.NewScheduler(a.Validator, a.Upstream, cfg.Targets, cfg.Validation.Interval, a.logger), nil
	case KindHTTP:
		return server.New(server.Config{
			Addr:              cfg.Server.Addr,
			HeartbeatInterval: cfg.Server.HeartbeatInterval,
			ValidationRate:    cfg.Server.ValidationRate,
			ValidationBurst:   cfg.Server.ValidationBurst,
			ShutdownTimeout:   cfg.Server.ShutdownTimeout,
			Topic:             cfg.EventBus.Topic,
			Targets:           cfg.Targets,
		}, server.Deps{
			Store:     a.Store,
			Bus:       a.Bus,
			Validator: a.Validator,
			Adapter:   a.Upstream,
			Health:    a.Health,
		}, a.logger), nil
	default:
		return nil, fmt.Errorf("app: unknown service kind %q", kind)
	}
}

// NewSyncer returns a snapshot syncer over the configured targets.
func (a *App) NewSyncer() *snapshot.Syncer {
	cfg := a.cfg
	return snapshot.New(snapshot.Config{
		Targets:     cfg.Targets,
		Interval:    cfg.Sync.Interval,
		SnapshotTTL: cfg.Sync.SnapshotTTL,
		Topic:       cfg.EventBus.Topic,
	}, a.Cached, a.Store, a.Bus, a.Validator, a.logger)
}

// Run starts the given service kinds and blocks until ctx ends or one of
// them fails. Every service is stopped before Run returns.
func (a *App) Run(ctx context.Context, kinds ...string) error {
	if len(kinds) == 0 {
		kinds = Kinds()
	}
	sup := NewSupervisor(a, a.logger)
	var runErr error
	for _, kind := range kinds {
		if err := sup.Spawn(ctx, kind); err != nil {
			runErr = err
			break
		}
	}
	if runErr == nil {
		a.logger.Info("dashboard running", "services", sup.Names(), "targets", len(a.cfg.Targets))
		select {
		case <-ctx.Done():
		case runErr = <-sup.Failed():
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	stopErr := sup.Stop(stopCtx)
	if runErr != nil {
		return runErr
	}
	return stopErr
}

// Close releases the store and the bus.
func (a *App) Close() error {
	return errors.Join(a.Bus.Close(), a.Store.Close())
}
