package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/aman-churiwal/revive/internal/circuitbreaker"
	"github.com/aman-churiwal/revive/internal/config"
	"github.com/aman-churiwal/revive/internal/handler"
	"github.com/aman-churiwal/revive/internal/healthcheck"
	"github.com/aman-churiwal/revive/internal/metrics"
	"github.com/aman-churiwal/revive/internal/middleware"
	"github.com/aman-churiwal/revive/internal/quota"
	"github.com/aman-churiwal/revive/internal/repository"
	"github.com/aman-churiwal/revive/internal/restoration"
	"github.com/aman-churiwal/revive/internal/service"
	"github.com/aman-churiwal/revive/internal/storage"
	"github.com/aman-churiwal/revive/internal/upload"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const quotaBreakerName = "quota-store"

// Provider is the inference API as the server needs it
type Provider interface {
	restoration.Provider
	Ping(ctx context.Context) error
}

// Deps are the clients built once in main. Redis and Presigner may be nil.
type Deps struct {
	Config    *config.Config
	Logger    *logrus.Logger
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Redis     *storage.RedisClient
	Postgres  *storage.Postgres
	Provider  Provider
	Presigner *upload.Presigner
}

type Server struct {
	router        *gin.Engine
	config        *config.Config
	log           *logrus.Logger
	registry      *prometheus.Registry
	metrics       *metrics.Metrics
	checker       *healthcheck.Checker
	quotaBreaker  *circuitbreaker.CircuitBreaker
	gate          *quota.Gate
	requestLogger *middleware.RequestLogger
	analytics     *service.AnalyticsService
	authService   *service.AuthService
	httpServer    *http.Server
	stop          chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

func New(deps Deps) *Server {
	cfg := deps.Config
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Discard()
	}

	s := &Server{
		router:   gin.New(),
		config:   cfg,
		log:      deps.Logger,
		registry: deps.Registry,
		metrics:  deps.Metrics,
		stop:     make(chan struct{}),
	}

	s.quotaBreaker = circuitbreaker.New(circuitbreaker.Config{
		Name:          quotaBreakerName,
		MaxFailures:   5,
		Timeout:       30 * time.Second,
		OnStateChange: s.onBreakerStateChange,
	})
	s.metrics.BreakerState.WithLabelValues(quotaBreakerName).Set(float64(circuitbreaker.StateClosed))

	var store quota.Store
	if deps.Redis != nil {
		store = deps.Redis
	} else {
		s.log.Warn("Redis is not configured, generations are not limited")
	}

	s.gate = quota.NewGate(store, quota.Config{
		Limit:     cfg.Quota.Limit,
		Window:    cfg.Quota.Window(),
		ResetHour: cfg.Quota.ResetHour,
		Location:  cfg.Quota.Location(),
		KeyPrefix: cfg.Quota.KeyPrefix,
	},
		quota.WithBreaker(s.quotaBreaker),
		quota.WithMetrics(s.metrics),
		quota.WithLogger(s.log),
	)

	orchestrator := restoration.New(deps.Provider, restoration.Options{
		PollInterval: cfg.Inference.PollInterval(),
		MaxPolls:     cfg.Inference.MaxPolls,
		Timeout:      cfg.Inference.Timeout(),
	}, s.metrics, s.log)

	userRepo := repository.NewUserRepository(deps.Postgres)
	logRepo := repository.NewRequestLogRepository(deps.Postgres)

	s.authService = service.NewAuthService(userRepo, cfg.Auth.JWTSecret, cfg.Auth.JWTExpiryHours, cfg.Auth.AdminEmails...)
	s.analytics = service.NewAnalyticsService(logRepo)
	s.requestLogger = middleware.NewRequestLogger(logRepo, cfg.Server.RequestLogBuffer, s.log)

	probes := map[string]healthcheck.Probe{
		"postgres":  deps.Postgres.Ping,
		"inference": deps.Provider.Ping,
	}
	if deps.Redis != nil {
		probes["redis"] = deps.Redis.Ping
	}
	s.checker = healthcheck.NewChecker(&healthcheck.Config{
		Probes:   probes,
		Interval: time.Duration(cfg.Monitor.IntervalSeconds) * time.Second,
		Metrics:  s.metrics,
		Logger:   s.log,
	})

	// Avoid a typed nil inside the interface
	var presigner handler.Presigner
	if deps.Presigner != nil {
		presigner = deps.Presigner
	}

	s.setupMiddleware()
	s.setupRoutes(routeHandlers{
		generate:  handler.NewGenerateHandler(s.gate, orchestrator, s.log),
		auth:      handler.NewAuthHandler(s.authService, s.log, cfg.Server.Environment == "production", cfg.Auth.JWTExpiryHours),
		upload:    handler.NewUploadHandler(presigner, s.log),
		analytics: handler.NewAnalyticsHandler(s.analytics),
		system:    handler.NewSystemHandler(s.log, s.quotaBreaker),
	})

	return s
}

func (s *Server) onBreakerStateChange(name string, from, to circuitbreaker.State) {
	s.metrics.BreakerState.WithLabelValues(name).Set(float64(to))
	s.log.WithFields(logrus.Fields{
		"breaker": name,
		"from":    from.String(),
		"to":      to.String(),
	}).Warn("Circuit breaker changed state")
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Recovery(s.log))
	s.router.Use(middleware.Logger(s.log))
	s.router.Use(middleware.CORS(s.config.Server.AllowOrigins))
	s.router.Use(middleware.Metrics(s.metrics))
	s.router.Use(s.requestLogger.Middleware())
}

type routeHandlers struct {
	generate  *handler.GenerateHandler
	auth      *handler.AuthHandler
	upload    *handler.UploadHandler
	analytics *handler.AnalyticsHandler
	system    *handler.SystemHandler
}

func (s *Server) setupRoutes(h routeHandlers) {
	s.router.GET("/health", s.healthCheck)
	if s.config.Monitor.Enable && s.registry != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}

	throttle := middleware.NewThrottle(s.config.Auth.RequestsPerMinute)
	auth := s.router.Group("/api/auth", throttle.Middleware())
	{
		auth.POST("/register", h.auth.Register)
		auth.POST("/login", h.auth.Login)
		auth.POST("/logout", h.auth.Logout)
	}

	api := s.router.Group("/api", middleware.RequireSession(s.authService))
	{
		api.POST("/generate", h.generate.Generate)
		api.GET("/remaining", h.generate.Remaining)
		api.GET("/me", h.auth.Me)
		api.POST("/uploads", h.upload.Create)
	}

	admin := api.Group("/admin", middleware.RequireAdmin())
	{
		admin.GET("/usage", h.analytics.GetSummary)
		admin.GET("/circuit-breakers", h.system.CircuitBreakerStatus)
		admin.POST("/circuit-breakers/:name/reset", h.system.ResetCircuitBreaker)
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	overall := s.checker.OverallHealth()

	statusCode := http.StatusOK
	if overall == healthcheck.Unhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":       overall.String(),
		"service":      s.config.Monitor.ServiceName,
		"timestamp":    time.Now().Unix(),
		"uptime":       time.Since(startTime).Seconds(),
		"quota":        gin.H{"enabled": s.gate.Enabled(), "breaker": s.quotaBreaker.State().String()},
		"dependencies": s.checker.GetAllStatus(),
	})
}

// Starts background work: dependency probes and request log retention
func (s *Server) Start() {
	s.checker.Start()

	if days := s.config.Server.LogRetentionDays; days > 0 {
		s.wg.Add(1)
		go s.runLogRetention(days)
	}
}

func (s *Server) runLogRetention(days int) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		s.purgeOldLogs(days)

		select {
		case <-ticker.C:
		case <-s.stop:
			return
		}
	}
}

func (s *Server) purgeOldLogs(days int) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	deleted, err := s.analytics.CleanupOldLogs(ctx, days)
	if err != nil {
		s.log.WithField("error", err).Error("Failed to purge old request logs")
		return
	}
	if deleted > 0 {
		s.log.WithField("deleted", deleted).Info("Purged old request logs")
	}
}

func (s *Server) Run(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: time.Duration(s.config.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.WithFields(logrus.Fields{
		"addr":        addr,
		"environment": s.config.Server.Environment,
	}).Info("Starting revive server")

	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests, then stops background work and
// flushes queued request logs
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down server...")

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	s.stopOnce.Do(func() {
		close(s.stop)
		s.checker.Stop()
		s.wg.Wait()
		s.requestLogger.Close()
	})

	return err
}

func (s *Server) GetRouter() *gin.Engine {
	return s.router
}

var startTime = time.Now()
