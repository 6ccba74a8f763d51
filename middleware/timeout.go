package middleware

import (
	"context"
	"time"

	"github.com/xraph/choreo/job"
)

// Timeout returns middleware that bounds processing time. perType
// overrides d for specific job types; a zero duration disables the bound.
func Timeout(d time.Duration, perType map[job.Type]time.Duration) Middleware {
	return func(ctx context.Context, info job.Info, next Handler) error {
		limit := d
		if v, ok := perType[info.Details.Type]; ok {
			limit = v
		}
		if limit > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}
		return next(ctx)
	}
}
