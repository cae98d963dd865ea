package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for restorations_total
const (
	OutcomeSucceeded       = "succeeded"
	OutcomeFailed          = "failed"
	OutcomeSubmissionError = "submission_error"
	OutcomeTimeout         = "timeout"
	OutcomeCanceled        = "canceled"
)

// Result labels for quota_decisions_total
const (
	QuotaAllowed  = "allowed"
	QuotaRejected = "rejected"
	QuotaFailOpen = "fail_open"
)

type Metrics struct {
	Restorations       *prometheus.CounterVec
	RestorationPolls   prometheus.Histogram
	RestorationSeconds prometheus.Histogram
	QuotaDecisions     *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
	HTTPSeconds        *prometheus.HistogramVec
	BreakerState       *prometheus.GaugeVec
	DependencyUp       *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests want.
func New(serviceName string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		Restorations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "restorations_total",
			Help:        "Total number of restoration jobs by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		RestorationPolls: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "restoration_polls",
			Help:        "Number of status polls per restoration job",
			ConstLabels: labels,
			Buckets:     []float64{1, 2, 5, 10, 20, 40, 80, 160, 320},
		}),
		RestorationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "restoration_duration_seconds",
			Help:        "Wall time from submission to terminal state",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 10),
		}),
		QuotaDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "quota_decisions_total",
			Help:        "Quota gate decisions by result",
			ConstLabels: labels,
		}, []string{"result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "http_requests_total",
			Help:        "HTTP requests by method, route and status",
			ConstLabels: labels,
		}, []string{"method", "route", "status"}),
		HTTPSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "http_request_duration_seconds",
			Help:        "HTTP request latency by route",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"method", "route"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "circuit_breaker_state",
			Help:        "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			ConstLabels: labels,
		}, []string{"name"}),
		DependencyUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "dependency_up",
			Help:        "Whether a dependency probe is currently healthy",
			ConstLabels: labels,
		}, []string{"dependency"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Restorations,
			m.RestorationPolls,
			m.RestorationSeconds,
			m.QuotaDecisions,
			m.HTTPRequests,
			m.HTTPSeconds,
			m.BreakerState,
			m.DependencyUp,
		)
	}

	return m
}

// Discard returns unregistered collectors
func Discard() *Metrics {
	return New("test", nil)
}
