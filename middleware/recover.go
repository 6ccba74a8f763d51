package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/choreo/job"
)

// Recover returns middleware that converts a panic in the chain into a
// retryable error and logs it with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, info job.Info, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("job processor panicked",
					slog.String("job_id", info.JobName),
					slog.String("type", string(info.Details.Type)),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = job.Retryable(fmt.Errorf("panic in job %s: %v", info.JobName, r))
			}
		}()
		return next(ctx)
	}
}
