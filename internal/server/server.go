package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aman-churiwal/registry-gate/internal/broadcast"
	"github.com/aman-churiwal/registry-gate/internal/config"
	"github.com/aman-churiwal/registry-gate/internal/handler"
	"github.com/aman-churiwal/registry-gate/internal/jobs"
	"github.com/aman-churiwal/registry-gate/internal/middleware"
	"github.com/aman-churiwal/registry-gate/internal/proxy"
	"github.com/aman-churiwal/registry-gate/internal/ratelimit"
	"github.com/aman-churiwal/registry-gate/internal/repository"
	"github.com/aman-churiwal/registry-gate/internal/service"
	"github.com/aman-churiwal/registry-gate/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	router     *gin.Engine
	config     *config.Config
	redis      *storage.RedisClient
	postgres   *storage.Postgres
	logger     *slog.Logger
	components *Components
	proxy      *proxy.Proxy
	drainJob   *jobs.UsageDrainJob
	httpServer *http.Server
}

func New(cfg *config.Config, redis *storage.RedisClient, postgres *storage.Postgres, logger *slog.Logger) (*Server, error) {
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	components, err := NewComponents(cfg, redis, postgres, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		router:     gin.New(),
		config:     cfg,
		redis:      redis,
		postgres:   postgres,
		logger:     logger,
		components: components,
	}

	if cfg.Upstream.URL != "" {
		s.proxy, err = proxy.New(proxy.Config{
			Target:      cfg.Upstream.URL,
			MaxFailures: cfg.RateLimit.Breaker.MaxFailures,
			OpenTimeout: cfg.RateLimit.Breaker.OpenTimeout,
		}, logger)
		if err != nil {
			components.Close()
			return nil, err
		}
	}

	if cfg.Usage.Enabled {
		s.drainJob, err = components.DrainJob(cfg.Usage)
		if err != nil {
			components.Close()
			return nil, err
		}
	}

	s.setupMiddleware()
	if err := s.setupRoutes(); err != nil {
		components.Close()
		return nil, err
	}

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger(s.logger))
}

func (s *Server) setupRoutes() error {
	c := s.components

	system := handler.NewSystemHandler(map[string]handler.Pinger{
		"redis":    s.redis,
		"postgres": s.postgres,
	}, c.Broadcaster, s.logger)

	s.router.GET("/health", system.Health)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	customers := handler.NewCustomerHandler(c.CustomerRepo, c.TierRepo, c.Broadcaster, s.logger)
	tiers := handler.NewTierHandler(c.TierRepo, c.CustomerRepo, c.Broadcaster, s.logger)

	admin := s.router.Group("/admin", middleware.RequireAdmin(s.config.Admin.JWTSecret))
	{
		admin.GET("/customers", customers.List)
		admin.POST("/customers", customers.Create)
		admin.GET("/customers/:id", customers.Get)
		admin.PUT("/customers/:id", customers.Update)
		admin.DELETE("/customers/:id", customers.Delete)

		admin.GET("/tiers", tiers.List)
		admin.POST("/tiers", tiers.Create)
		admin.PUT("/tiers/:id", tiers.Update)
		admin.DELETE("/tiers/:id", tiers.Delete)

		admin.POST("/caches/reload", system.ReloadCaches)
	}

	var chain []gin.HandlerFunc

	if s.config.RateLimit.Enabled {
		var usage middleware.UsageCounter
		if s.config.Usage.Enabled {
			usage = c.Usage
		}

		limit, err := middleware.RateLimit(c.Resolver, c.Limiter, usage, middleware.RateLimitOptions{
			Filters:       s.config.RateLimit.Filters,
			SessionCookie: s.config.RateLimit.SessionCookie,
		}, s.logger)
		if err != nil {
			return fmt.Errorf("failed to build rate limit middleware: %w", err)
		}
		chain = append(chain, limit)
	}

	if s.proxy != nil {
		chain = append(chain, s.proxy.Handle)
	} else {
		s.logger.Warn("no upstream configured, unmatched routes return 404")
		chain = append(chain, func(c *gin.Context) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
		})
	}

	s.router.NoRoute(chain...)
	return nil
}

// Run warms the customer index, starts the background workers and serves
// until Shutdown
func (s *Server) Run(ctx context.Context) error {
	c := s.components

	if err := c.Customers.Rebuild(ctx); err != nil {
		s.logger.Warn("customer index warm-up failed, will retry on first request", "error", err)
	}

	c.Broadcaster.Start(context.WithoutCancel(ctx))
	if s.drainJob != nil {
		s.drainJob.Start()
	}

	s.logger.Info("starting registry gate", "addr", s.httpServer.Addr, "environment", s.config.Server.Environment)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)

	if s.drainJob != nil {
		s.drainJob.Stop()
	}
	s.components.Close()

	return err
}

func (s *Server) GetRouter() *gin.Engine {
	return s.router
}

// Everything behind the HTTP layer, shared by the server and one-shot
// commands
type Components struct {
	CustomerRepo *repository.CustomerRepository
	TierRepo     *repository.TierRepository
	UsageRepo    *repository.UsageRepository

	Tiers       *service.TierService
	Customers   *service.CustomerService
	Resolver    *service.IdentityResolver
	Limiter     *service.RateLimitService
	Usage       *service.UsageService
	Broadcaster *broadcast.Broadcaster

	redis  *storage.RedisClient
	logger *slog.Logger
}

func NewComponents(cfg *config.Config, redis *storage.RedisClient, postgres *storage.Postgres, logger *slog.Logger) (*Components, error) {
	c := &Components{
		CustomerRepo: repository.NewCustomerRepository(postgres),
		TierRepo:     repository.NewTierRepository(postgres),
		UsageRepo:    repository.NewUsageRepository(postgres),
		redis:        redis,
		logger:       logger,
	}

	c.Tiers = service.NewTierService(c.TierRepo, cacheOptions(cfg.Caches.Tiers), logger)

	customers, err := service.NewCustomerService(c.CustomerRepo, service.CustomerServiceOptions{
		IndexTTL: cfg.Caches.Customers.TTL,
		Cache:    cacheOptions(cfg.Caches.Customers),
	}, logger)
	if err != nil {
		return nil, err
	}
	c.Customers = customers

	c.Resolver = service.NewIdentityResolver(c.Customers, c.Tiers, service.ClientIPRule{
		Header:   cfg.RateLimit.ClientIP.Header,
		Position: cfg.RateLimit.ClientIP.Position,
	}, cfg.RateLimit.TokenParam)

	c.Limiter = service.NewRateLimitService(ratelimit.NewRedisBucketStore(redis), service.RateLimitOptions{
		Timeout:            cfg.RateLimit.RemoteTimeout,
		Policies:           cacheOptions(cfg.Caches.Policies),
		BreakerMaxFailures: cfg.RateLimit.Breaker.MaxFailures,
		BreakerOpenTimeout: cfg.RateLimit.Breaker.OpenTimeout,
	}, logger)

	c.Usage = service.NewUsageService(redis, c.Customers, c.UsageRepo, service.UsageOptions{
		WindowMinutes: cfg.Usage.WindowMinutes,
		Timeout:       cfg.RateLimit.RemoteTimeout,
	}, logger)

	c.Broadcaster = broadcast.New(broadcast.NewRedisPubSub(redis), broadcast.Options{
		Channel: cfg.Broadcast.Channel,
	}, logger)
	c.registerInvalidations()

	return c, nil
}

// Customers embed their tier, so a tier change reloads customers as well
func (c *Components) registerInvalidations() {
	c.Broadcaster.Handle(broadcast.Customers, func(ctx context.Context) error {
		defer c.Limiter.InvalidatePolicies()
		return c.Customers.Reload(ctx)
	})
	c.Broadcaster.Handle(broadcast.Tiers, func(ctx context.Context) error {
		c.Tiers.Invalidate()
		defer c.Limiter.InvalidatePolicies()
		return c.Customers.Reload(ctx)
	})
}

func (c *Components) DrainJob(cfg config.UsageConfig) (*jobs.UsageDrainJob, error) {
	return jobs.NewUsageDrainJob(c.Usage, c.redis, jobs.UsageDrainOptions{
		Schedule: cfg.DrainSchedule,
		LockTTL:  cfg.DrainLockTTL,
	}, c.logger)
}

func (c *Components) Close() {
	c.Broadcaster.Stop()
	c.Customers.Close()
}

func cacheOptions(cc config.CacheConfig) service.CacheOptions {
	return service.CacheOptions{TTL: cc.TTL, MaxSize: cc.MaxSize}
}
