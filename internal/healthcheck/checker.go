package healthcheck

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aman-churiwal/revive/internal/logger"
	"github.com/aman-churiwal/revive/internal/metrics"
	"github.com/gammazero/workerpool"
	"github.com/sirupsen/logrus"
)

// Probe checks one dependency. A nil error means healthy.
type Probe func(ctx context.Context) error

// Performs periodic health checks on the service's dependencies
type Checker struct {
	mu           sync.RWMutex
	probes       map[string]Probe
	names        []string
	healthStatus map[string]*Status
	interval     time.Duration
	timeout      time.Duration
	maxFailures  int
	metrics      *metrics.Metrics
	log          *logrus.Logger
	stopChan     chan struct{}
	running      bool
}

// Holds health checker configuration
type Config struct {
	Probes      map[string]Probe
	Interval    time.Duration // How often to check (default: 30s)
	Timeout     time.Duration // Per-probe timeout (default: 5s)
	MaxFailures int           // Failures before marking unhealthy (default: 3)
	Metrics     *metrics.Metrics
	Logger      *logrus.Logger
}

func NewChecker(cfg *Config) *Checker {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}

	checker := &Checker{
		probes:       make(map[string]Probe, len(cfg.Probes)),
		healthStatus: make(map[string]*Status, len(cfg.Probes)),
		interval:     cfg.Interval,
		timeout:      cfg.Timeout,
		maxFailures:  cfg.MaxFailures,
		metrics:      cfg.Metrics,
		log:          cfg.Logger,
		stopChan:     make(chan struct{}),
	}

	for name, probe := range cfg.Probes {
		checker.probes[name] = probe
		checker.names = append(checker.names, name)
		checker.healthStatus[name] = &Status{
			Target:    name,
			IsHealthy: true, // Assume healthy initially
			LastCheck: time.Now(),
		}
		checker.metrics.DependencyUp.WithLabelValues(name).Set(1)
	}
	sort.Strings(checker.names)

	return checker
}

// Begins periodic health checks
func (c *Checker) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"dependencies": c.names,
		"interval":     c.interval.String(),
	}).Info("Starting dependency health checks")

	// Run initial check immediately
	c.CheckAll()

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.CheckAll()
			case <-c.stopChan:
				return
			}
		}
	}()
}

// Stops the health checker
func (c *Checker) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		close(c.stopChan)
		c.running = false
		c.log.Info("Health checker stopped")
	}
}

// CheckAll runs every probe concurrently and waits for them
func (c *Checker) CheckAll() {
	wp := workerpool.New(len(c.names))

	for _, name := range c.names {
		n := name
		wp.Submit(func() {
			c.check(n)
		})
	}

	wp.StopWait()
}

func (c *Checker) check(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.probes[name](ctx); err != nil {
		c.recordFailure(name, err)
		return
	}
	c.recordSuccess(name)
}

// Records a successful health check
func (c *Checker) recordSuccess(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := c.healthStatus[name]
	status.LastCheck = time.Now()
	status.LastSuccess = status.LastCheck
	status.FailureCount = 0
	status.LastError = ""

	if !status.IsHealthy {
		c.log.WithField("dependency", name).Info("Dependency is healthy again")
		status.IsHealthy = true
		c.metrics.DependencyUp.WithLabelValues(name).Set(1)
	}
}

// Records a failed health check
func (c *Checker) recordFailure(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := c.healthStatus[name]
	status.LastCheck = time.Now()
	status.LastFailure = status.LastCheck
	status.FailureCount++
	status.LastError = err.Error()

	if status.IsHealthy && status.FailureCount >= c.maxFailures {
		c.log.WithFields(logrus.Fields{
			"dependency": name,
			"failures":   status.FailureCount,
			"error":      err,
		}).Warn("Dependency is now unhealthy")
		status.IsHealthy = false
		c.metrics.DependencyUp.WithLabelValues(name).Set(0)
	}
}

// Return the health status of a specific dependency
func (c *Checker) GetStatus(name string) *Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if status, exists := c.healthStatus[name]; exists {
		statusCopy := *status
		return &statusCopy
	}

	return nil
}

// Returns health status of all dependencies
func (c *Checker) GetAllStatus() map[string]*Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	statusMap := make(map[string]*Status, len(c.healthStatus))
	for name, status := range c.healthStatus {
		statusCopy := *status
		statusMap[name] = &statusCopy
	}

	return statusMap
}

// Returns the overall health status; a partial outage is Degraded
func (c *Checker) OverallHealth() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.names) == 0 {
		return Healthy
	}

	healthyCount := 0
	for _, status := range c.healthStatus {
		if status.IsHealthy {
			healthyCount++
		}
	}

	if healthyCount == 0 {
		return Unhealthy
	}
	if healthyCount < len(c.names) {
		return Degraded
	}

	return Healthy
}
