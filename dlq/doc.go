// Package dlq holds jobs that exhausted their retry budget.
//
// When a retryable failure happens on the last allowed attempt, the worker
// executor removes the job and calls [Service.Push] in the same
// transaction, so a job is either scheduled or dead-lettered, never both.
// Entries keep the full [job.Details] so they can be inspected and replayed.
//
//	svc := dlq.NewService(store, store, dlq.WithMaxRetries(10))
//	entries, _ := svc.DLQStore().ListDLQ(ctx, dlq.ListOpts{Limit: 50})
//	j, _ := svc.Replay(ctx, entries[0].ID)
//
// Replay schedules a fresh persisted job with a zero retry count and marks
// the entry as replayed. Run it inside a managed transaction to make both
// effects atomic.
package dlq
