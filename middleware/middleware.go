// Package middleware provides composable middleware for job processing.
// Middleware wraps the processor call synchronously and can modify
// execution (recover from panics, serialize per instance, log, trace).
package middleware

import (
	"context"

	"github.com/xraph/choreo/job"
)

// Handler is the terminal function that processes the job.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It receives the
// current context, the fired job and the next handler to call. Middleware
// MUST call next to continue the chain unless short-circuiting on error.
type Middleware func(ctx context.Context, info job.Info, next Handler) error

// Chain composes multiple middleware into a single Middleware. The first
// middleware in the list is the outermost wrapper.
//
//	Chain(logging, recover, lock) executes as logging → recover → lock → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, info job.Info, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, info, prev)
			}
		}
		return h(ctx)
	}
}

// Wrap applies mw to p, producing a Processor.
func Wrap(p job.Processor, mw Middleware) job.Processor {
	if mw == nil {
		return p
	}
	return job.ProcessorFunc(func(ctx context.Context, info job.Info) error {
		return mw(ctx, info, func(ctx context.Context) error {
			return p.OnScheduledJob(ctx, info)
		})
	})
}
