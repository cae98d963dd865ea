package quota

import (
	"context"
	"errors"
	"time"

	"github.com/aman-churiwal/revive/internal/circuitbreaker"
	"github.com/aman-churiwal/revive/internal/logger"
	"github.com/aman-churiwal/revive/internal/metrics"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Limit     int
	Window    time.Duration
	ResetHour int
	Location  *time.Location
	KeyPrefix string
}

// Decision is the outcome of a consuming check
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// Time until the configured reset hour; guidance for users only
	ResetAfter time.Duration
	// End of the fixed window the attempt was counted in
	ResetAt time.Time
	// Set when the store could not be consulted and the gate failed open
	Degraded bool
}

// Status is the non-consuming view used before an upload
type Status struct {
	Limit      int
	Used       int
	Remaining  int
	ResetAfter time.Duration
}

func (s Status) Hours() int {
	return int(s.ResetAfter / time.Hour)
}

func (s Status) Minutes() int {
	return int((s.ResetAfter % time.Hour) / time.Minute)
}

// Gate enforces Limit attempts per user per fixed window. It fails open: a
// store outage never blocks restorations.
type Gate struct {
	counter *FixedWindow
	cfg     Config
	breaker *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
	log     *logrus.Logger
	now     func() time.Time
}

type Option func(*Gate)

func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(g *Gate) { g.breaker = cb }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

func WithLogger(l *logrus.Logger) Option {
	return func(g *Gate) { g.log = l }
}

// NewGate builds a gate over store. A nil store disables limiting entirely.
func NewGate(store Store, cfg Config, opts ...Option) *Gate {
	if cfg.Limit <= 0 {
		cfg.Limit = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "quota"
	}

	g := &Gate{
		cfg:     cfg,
		metrics: metrics.Discard(),
		log:     logger.Discard(),
		now:     time.Now,
	}
	if store != nil {
		g.counter = NewFixedWindow(store, cfg.KeyPrefix, cfg.Window)
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.breaker == nil {
		g.breaker = circuitbreaker.New(circuitbreaker.Config{Name: "quota-store"})
	}

	return g
}

func (g *Gate) Enabled() bool {
	return g.counter != nil
}

func (g *Gate) Limit() int {
	return g.cfg.Limit
}

// CheckAndConsume records one attempt for userID and reports whether it is
// within the limit. The rejected attempt is counted as well.
func (g *Gate) CheckAndConsume(ctx context.Context, userID string) Decision {
	now := g.now()

	d := Decision{
		Allowed:    true,
		Limit:      g.cfg.Limit,
		Remaining:  g.cfg.Limit,
		ResetAfter: g.resetAfter(now),
		ResetAt:    now.Add(g.cfg.Window),
	}

	if g.counter == nil {
		return d
	}
	d.ResetAt = g.counter.ResetAt(now)

	var count int64
	err := g.guard(func() error {
		var err error
		count, err = g.counter.Consume(ctx, userID, now)
		return err
	})
	if err != nil {
		g.failOpen(userID, "consume", err)
		d.Degraded = true
		return d
	}

	d.Allowed = count <= int64(g.cfg.Limit)
	d.Remaining = remaining(g.cfg.Limit, count)

	if d.Allowed {
		g.metrics.QuotaDecisions.WithLabelValues(metrics.QuotaAllowed).Inc()
	} else {
		g.metrics.QuotaDecisions.WithLabelValues(metrics.QuotaRejected).Inc()
	}

	return d
}

// Status reads the current usage without consuming an attempt
func (g *Gate) Status(ctx context.Context, userID string) Status {
	now := g.now()

	s := Status{
		Limit:      g.cfg.Limit,
		Remaining:  g.cfg.Limit,
		ResetAfter: g.resetAfter(now),
	}

	if g.counter == nil {
		return s
	}

	var used int64
	err := g.guard(func() error {
		var err error
		used, err = g.counter.Used(ctx, userID, now)
		return err
	})
	if err != nil {
		g.failOpen(userID, "status", err)
		return s
	}

	s.Used = int(used)
	s.Remaining = remaining(g.cfg.Limit, used)
	return s
}

// guard runs fn through the breaker. Cancellation by the caller is returned
// but not held against the store.
func (g *Gate) guard(fn func() error) error {
	var opErr error
	err := g.breaker.Call(func() error {
		opErr = fn()
		if errors.Is(opErr, context.Canceled) {
			return nil
		}
		return opErr
	})
	if err != nil {
		return err
	}
	return opErr
}

func (g *Gate) failOpen(userID, op string, err error) {
	g.metrics.QuotaDecisions.WithLabelValues(metrics.QuotaFailOpen).Inc()
	g.log.WithFields(logrus.Fields{
		"user":    userID,
		"op":      op,
		"breaker": g.breaker.State().String(),
		"error":   err,
	}).Warn("Quota store unavailable, failing open")
}

// resetAfter is the time until the next ResetHour:00 in the configured
// location, which can differ from the fixed window boundary.
func (g *Gate) resetAfter(now time.Time) time.Duration {
	local := now.In(g.cfg.Location)
	reset := time.Date(local.Year(), local.Month(), local.Day(), g.cfg.ResetHour, 0, 0, 0, g.cfg.Location)
	if !reset.After(local) {
		reset = reset.AddDate(0, 0, 1)
	}
	return reset.Sub(local)
}

func remaining(limit int, count int64) int {
	r := int64(limit) - count
	if r < 0 {
		return 0
	}
	return int(r)
}
