package restoration

import "errors"

var (
	// ErrSubmission is returned when the provider rejects or cannot accept a job
	ErrSubmission = errors.New("failed to submit restoration job")

	// ErrJobFailed is returned when the provider reports the job as failed
	ErrJobFailed = errors.New("restoration job failed")

	// ErrJobTimeout is returned when the job is still running after the poll
	// budget or the deadline is spent
	ErrJobTimeout = errors.New("restoration job timed out")
)
