// Package queue limits how fast and how many jobs of each type start on a
// node.
//
// The original scheduler throttled the number of transactions per second
// it started; [Manager] generalizes that to token-bucket rate limits
// (golang.org/x/time/rate) and concurrency caps per job type, optionally
// narrowed to a single process:
//
//	m := queue.NewManager(
//	    queue.Config{Type: job.TypeMatcher, MaxConcurrency: 20},
//	    queue.Config{Type: job.TypeInvokeCheck, RateLimit: 50, RateBurst: 100},
//	)
//	if m.Acquire(details.Type, details.ProcessID) {
//	    defer m.Release(details.Type, details.ProcessID)
//	    // run the job
//	}
//
// Types without a [Config] have no limits beyond the pool-wide concurrency.
// The worker pool consults the Manager after claiming; a job that may not
// start yet is handed back by clearing its lease.
package queue
