// Package server exposes the dashboard over HTTP: the realtime event stream,
// the polling endpoints realtime clients fall back to, on-demand validation
// and the health surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/aeiouboy/ris-pdm-performance/internal/eventbus"
	"github.com/aeiouboy/ris-pdm-performance/internal/health"
	"github.com/aeiouboy/ris-pdm-performance/internal/kvcache"
	"github.com/aeiouboy/ris-pdm-performance/internal/snapshot"
	"github.com/aeiouboy/ris-pdm-performance/internal/upstream"
	"github.com/aeiouboy/ris-pdm-performance/internal/validation"
)

// Config configures a Server.
type Config struct {
	Addr              string
	HeartbeatInterval time.Duration
	ValidationRate    float64
	ValidationBurst   int
	ShutdownTimeout   time.Duration
	Topic             string
	// Targets supplies the default project when a request names none.
	Targets []validation.Target
}

// Deps are the components the server reads from.
type Deps struct {
	Store     kvcache.Store
	Bus       eventbus.Bus
	Validator *validation.Validator
	Adapter   upstream.Adapter
	Health    *health.Surface
}

// Server is the dashboard HTTP server.
type Server struct {
	cfg     Config
	deps    Deps
	hub     *Hub
	limiter *rate.Limiter
	engine  *gin.Engine
	logger  *slog.Logger
}

// New builds the router. The stream hub registers itself with deps.Health.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.ValidationRate <= 0 {
		cfg.ValidationRate = 1
	}
	if cfg.ValidationBurst <= 0 {
		cfg.ValidationBurst = 5
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		hub:     NewHub(deps.Bus, cfg.Topic, cfg.HeartbeatInterval, logger),
		limiter: rate.NewLimiter(rate.Limit(cfg.ValidationRate), cfg.ValidationBurst),
		logger:  logger.With("component", "http"),
	}
	if deps.Health != nil {
		deps.Health.Add(s.hub.Provider("stream"))
	}
	s.engine = s.routes()
	return s
}

// Name identifies the server among the process services.
func (s *Server) Name() string { return "http" }

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.engine }

// Hub returns the event stream hub.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.observe())

	api := r.Group("/api")
	api.GET("/realtime/events", s.hub.Stream)

	api.GET("/metrics/sprints", s.snapshot(validation.DashboardSprintsKey, "sprints"))
	api.GET("/workitems", s.snapshot(validation.DashboardWorkItemsKey, "work items"))
	api.GET("/sync/status", s.snapshot(snapshot.SyncStatusKey, "sync status"))
	api.GET("/metrics/overview", s.snapshot(snapshot.OverviewKey, "overview"))

	v := api.Group("/validation")
	v.POST("/sprint-dates", s.limit(), s.validate(validation.KindSprintDates))
	v.POST("/work-item-counts", s.limit(), s.validate(validation.KindWorkItemCounts))
	v.GET("/status", s.validationStatus)
	v.GET("/stats", s.validationStats)

	api.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// Run serves until ctx ends, then drains within the shutdown timeout. Open
// event streams end with ctx.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: listen %s: %w", s.cfg.Addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

// observe records request metrics and logs failures. Streams are counted but
// not timed.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		code := c.Writer.Status()
		httpRequests.WithLabelValues(route, c.Request.Method, fmt.Sprint(code)).Inc()
		if route != "/api/realtime/events" {
			httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
		if code >= http.StatusInternalServerError {
			s.logger.Warn("request failed", "method", c.Request.Method, "route", route, "status", code, "duration", time.Since(start))
		}
	}
}

func (s *Server) limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow() {
			validationRejected.Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, response{Error: "too many validation requests"})
			return
		}
		c.Next()
	}
}
