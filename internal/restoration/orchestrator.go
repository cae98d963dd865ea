package restoration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aman-churiwal/revive/internal/logger"
	"github.com/aman-churiwal/revive/internal/metrics"
	"github.com/aman-churiwal/revive/internal/replicate"
	"github.com/sirupsen/logrus"
)

// Provider runs restoration models. *replicate.Client implements it.
type Provider interface {
	CreatePrediction(ctx context.Context, imageURL string) (*replicate.Prediction, error)
	GetPrediction(ctx context.Context, handle string) (*replicate.Prediction, error)
}

type State string

const (
	StateCreated   State = "created"
	StatePending   State = "pending"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Job tracks one restoration for the lifetime of a request
type Job struct {
	ID          string
	InputURL    string
	Handle      string
	State       State
	OutputURL   string
	Polls       int
	SubmittedAt time.Time
}

type Options struct {
	PollInterval time.Duration
	// Zero means no limit
	MaxPolls int
	// Zero means no deadline beyond the caller's context
	Timeout time.Duration
}

type Orchestrator struct {
	provider Provider
	opts     Options
	metrics  *metrics.Metrics
	log      *logrus.Logger
}

func New(provider Provider, opts Options, m *metrics.Metrics, log *logrus.Logger) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if m == nil {
		m = metrics.Discard()
	}
	if log == nil {
		log = logger.Discard()
	}

	return &Orchestrator{
		provider: provider,
		opts:     opts,
		metrics:  m,
		log:      log,
	}
}

// Restore submits imageURL and waits for the restored image
func (o *Orchestrator) Restore(ctx context.Context, imageURL string) (string, error) {
	job, err := o.Submit(ctx, imageURL)
	if err != nil {
		return "", err
	}
	return o.AwaitCompletion(ctx, job)
}

// Submit creates the job at the provider
func (o *Orchestrator) Submit(ctx context.Context, imageURL string) (*Job, error) {
	job := &Job{
		InputURL:    imageURL,
		State:       StateCreated,
		SubmittedAt: time.Now(),
	}

	p, err := o.provider.CreatePrediction(ctx, imageURL)
	if err != nil {
		if ctx.Err() != nil {
			o.metrics.Restorations.WithLabelValues(metrics.OutcomeCanceled).Inc()
			return nil, ctx.Err()
		}
		o.metrics.Restorations.WithLabelValues(metrics.OutcomeSubmissionError).Inc()
		o.log.WithFields(logrus.Fields{
			"image_url": imageURL,
			"error":     err,
		}).Error("Restoration submission failed")
		return nil, fmt.Errorf("%w: %v", ErrSubmission, err)
	}

	job.ID = p.ID
	job.Handle = p.URLs.Get
	job.State = StatePending

	o.log.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"image_url": imageURL,
	}).Info("Restoration submitted")

	return job, nil
}

// AwaitCompletion polls the job until it reaches a terminal state. The first
// poll happens immediately and each following one waits PollInterval after
// the previous response, so polls never overlap.
func (o *Orchestrator) AwaitCompletion(ctx context.Context, job *Job) (string, error) {
	pollCtx := ctx
	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeoutCause(ctx, o.opts.Timeout, ErrJobTimeout)
		defer cancel()
	}

	timer := time.NewTimer(o.opts.PollInterval)
	timer.Stop()
	defer timer.Stop()

	for {
		if o.opts.MaxPolls > 0 && job.Polls >= o.opts.MaxPolls {
			return "", o.finish(job, fmt.Errorf("%w after %d polls", ErrJobTimeout, job.Polls))
		}

		p, err := o.provider.GetPrediction(pollCtx, job.Handle)
		job.Polls++
		if err != nil {
			if stopErr := o.stopped(ctx, pollCtx); stopErr != nil {
				return "", o.finish(job, stopErr)
			}
			return "", o.finish(job, fmt.Errorf("%w: poll: %v", ErrJobFailed, err))
		}

		switch p.Status {
		case replicate.StatusSucceeded:
			out, err := p.OutputURL()
			if err != nil {
				return "", o.finish(job, fmt.Errorf("%w: %v", ErrJobFailed, err))
			}
			job.OutputURL = out
			return out, o.finish(job, nil)

		case replicate.StatusFailed, replicate.StatusCanceled:
			reason := p.ErrorMessage()
			if reason == "" {
				reason = string(p.Status)
			}
			return "", o.finish(job, fmt.Errorf("%w: %s", ErrJobFailed, reason))
		}

		timer.Reset(o.opts.PollInterval)
		select {
		case <-pollCtx.Done():
			return "", o.finish(job, o.stopped(ctx, pollCtx))
		case <-timer.C:
		}
	}
}

// stopped reports why polling must end early, or nil if it need not.
// Caller cancellation takes precedence over the job deadline.
func (o *Orchestrator) stopped(ctx, pollCtx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if errors.Is(context.Cause(pollCtx), ErrJobTimeout) {
		return fmt.Errorf("%w after %s", ErrJobTimeout, o.opts.Timeout)
	}
	return nil
}

func (o *Orchestrator) finish(job *Job, err error) error {
	outcome := metrics.OutcomeSucceeded
	switch {
	case err == nil:
		job.State = StateSucceeded
	case errors.Is(err, ErrJobTimeout):
		outcome = metrics.OutcomeTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = metrics.OutcomeCanceled
	default:
		job.State = StateFailed
		outcome = metrics.OutcomeFailed
	}

	o.metrics.Restorations.WithLabelValues(outcome).Inc()
	o.metrics.RestorationPolls.Observe(float64(job.Polls))
	o.metrics.RestorationSeconds.Observe(time.Since(job.SubmittedAt).Seconds())

	fields := logrus.Fields{
		"job_id":  job.ID,
		"outcome": outcome,
		"polls":   job.Polls,
	}
	switch outcome {
	case metrics.OutcomeSucceeded:
		o.log.WithFields(fields).Info("Restoration completed")
	case metrics.OutcomeCanceled:
		o.log.WithFields(fields).Info("Restoration abandoned by caller")
	default:
		fields["error"] = err
		o.log.WithFields(fields).Warn("Restoration did not complete")
	}

	return err
}
