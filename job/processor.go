package job

import (
	"context"
	"errors"
)

// Processor is the single callback the scheduler invokes for every fired
// job, inside the job's transaction when the job is transacted.
type Processor interface {
	OnScheduledJob(ctx context.Context, info Info) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, info Info) error

// OnScheduledJob calls f.
func (f ProcessorFunc) OnScheduledJob(ctx context.Context, info Info) error { return f(ctx, info) }

// ProcessorError classifies a processing failure.
type ProcessorError struct {
	// Retry requests another attempt with backoff.
	Retry bool
	Err   error
}

func (e *ProcessorError) Error() string {
	if e.Retry {
		return "retryable: " + e.Err.Error()
	}
	return "fatal: " + e.Err.Error()
}

func (e *ProcessorError) Unwrap() error { return e.Err }

// Retryable marks err as worth another attempt.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &ProcessorError{Retry: true, Err: err}
}

// Fatal marks err as final: the job is dropped and reported.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &ProcessorError{Retry: false, Err: err}
}

// IsRetryable reports whether err should be retried. Errors without a
// ProcessorError in their chain are retried.
func IsRetryable(err error) bool {
	var pe *ProcessorError
	if errors.As(err, &pe) {
		return pe.Retry
	}
	return true
}
