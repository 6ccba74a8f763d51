// Package job defines the unit of deferred work the scheduler runs: the
// generic [Details] payload, the [Kind] tagged union decoded from it, the
// persisted [Job] row, the [Store] contract and the [Processor] callback.
//
// # Job types
//
// Six job types exist. Each is decoded into its own variant carrying only
// the fields it needs:
//
//	TIMER            Timer{Process, Instance, Channel}
//	RESUME           Resume{Process, Instance}
//	INVOKE_INTERNAL  InvokeInternal{Process, Mex, Instance?}
//	INVOKE_RESPONSE  InvokeResponse{Process, Mex, Instance, Channel}
//	MATCHER          Matcher{Process, Correlator, Keys}
//	INVOKE_CHECK     InvokeCheck{Process, Mex, Instance?}
//
// # Lifecycle
//
// A persisted job row is inserted in the scheduling transaction, claimed by
// one runner under a lease, and deleted inside the transaction that runs
// it. A failed run leaves the row in place; the scheduler then reschedules
// it with an incremented retry count or moves it to the dead-letter queue.
//
// # Signalling outcome
//
// A [Processor] reports failure only through its error. Wrap errors with
// [Retryable] or [Fatal]; unclassified errors are retried.
package job
