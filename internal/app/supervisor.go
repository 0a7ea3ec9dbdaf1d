package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrAlreadyRunning is returned when a service name is started twice.
var ErrAlreadyRunning = errors.New("app: service already running")

// Service is a long-running part of the process. Run blocks until ctx ends
// or the service fails.
type Service interface {
	Name() string
	Run(ctx context.Context) error
}

// ServiceFactory creates services by kind.
type ServiceFactory interface {
	Create(kind string) (Service, error)
}

type running struct {
	svc    Service
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Supervisor manages the lifecycle of the process services.
type Supervisor struct {
	factory ServiceFactory
	logger  *slog.Logger
	failed  chan error

	mu       sync.RWMutex
	registry map[string]*running
}

// NewSupervisor returns a Supervisor creating services through f.
func NewSupervisor(f ServiceFactory, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		factory:  f,
		logger:   logger.With("component", "supervisor"),
		failed:   make(chan error, 1),
		registry: make(map[string]*running),
	}
}

// Spawn creates a service of the given kind and starts it.
func (s *Supervisor) Spawn(ctx context.Context, kind string) error {
	svc, err := s.factory.Create(kind)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	return s.Start(ctx, svc)
}

// Start runs svc in its own goroutine. A service returning an error before
// it was stopped is reported on Failed.
func (s *Supervisor) Start(ctx context.Context, svc Service) error {
	name := svc.Name()
	s.mu.Lock()
	if _, ok := s.registry[name]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}
	rctx, cancel := context.WithCancel(ctx)
	r := &running{svc: svc, cancel: cancel, done: make(chan struct{})}
	s.registry[name] = r
	s.mu.Unlock()

	go func() {
		defer close(r.done)
		s.logger.Info("service started", "service", name)
		r.err = svc.Run(rctx)
		if r.err != nil && rctx.Err() == nil {
			s.logger.Error("service failed", "service", name, "error", r.err)
			select {
			case s.failed <- fmt.Errorf("%s: %w", name, r.err):
			default:
			}
			return
		}
		s.logger.Info("service stopped", "service", name)
	}()
	return nil
}

// Failed delivers the first service failure.
func (s *Supervisor) Failed() <-chan error { return s.failed }

// Names returns the managed service names in order.
func (s *Supervisor) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.registry))
	for name := range s.registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stop cancels every service and waits for them until ctx ends.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	regs := make([]*running, 0, len(s.registry))
	for _, r := range s.registry {
		regs = append(regs, r)
	}
	s.registry = make(map[string]*running)
	s.mu.Unlock()

	for _, r := range regs {
		r.cancel()
	}
	var errs []error
	for _, r := range regs {
		select {
		case <-r.done:
			if r.err != nil && !errors.Is(r.err, context.Canceled) {
				errs = append(errs, fmt.Errorf("%s: %w", r.svc.Name(), r.err))
			}
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("%s: %w", r.svc.Name(), ctx.Err()))
		}
	}
	return errors.Join(errs...)
}
