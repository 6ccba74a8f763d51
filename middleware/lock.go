package middleware

import (
	"context"
	"fmt"
	"strconv"

	"github.com/xraph/choreo/job"
	"github.com/xraph/choreo/tx"
)

// InstanceLockKey is the transaction lock key serializing work on one
// process instance.
func InstanceLockKey(process string, instance int64) string {
	return "instance:" + process + "/" + strconv.FormatInt(instance, 10)
}

// InstanceLock returns middleware that takes the instance lock of jobs
// addressed to a known instance before processing. Jobs running outside
// a transaction pass through.
func InstanceLock() Middleware {
	return func(ctx context.Context, info job.Info, next Handler) error {
		inst, ok := info.Details.Instance()
		t := tx.FromContext(ctx)
		if !ok || t == nil {
			return next(ctx)
		}
		if err := t.Lock(ctx, InstanceLockKey(info.Details.ProcessID, inst)); err != nil {
			return job.Retryable(fmt.Errorf("job %s: %w", info.JobName, err))
		}
		return next(ctx)
	}
}
