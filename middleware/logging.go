package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/choreo/job"
)

// Logging returns middleware that logs the start and outcome of each job.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, info job.Info, next Handler) error {
		logger.Debug("job started",
			slog.String("job_id", info.JobName),
			slog.String("type", string(info.Details.Type)),
			slog.String("process", info.Details.ProcessID),
			slog.Int("retry_count", info.RetryCount),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("job failed",
				slog.String("job_id", info.JobName),
				slog.String("type", string(info.Details.Type)),
				slog.Duration("elapsed", elapsed),
				slog.Bool("retryable", job.IsRetryable(err)),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Debug("job completed",
				slog.String("job_id", info.JobName),
				slog.String("type", string(info.Details.Type)),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
