// Package ext defines the extension system for choreo.
//
// Extensions are notified of lifecycle events and can react to them:
// recording metrics, writing audit logs, forwarding events. Each
// lifecycle hook is a separate interface so extensions opt in only to
// the events they care about.
//
//	type Audit struct{}
//
//	func (a *Audit) Name() string { return "audit" }
//
//	func (a *Audit) OnJobDLQ(ctx context.Context, info job.Info, err error) error {
//	    log.Printf("job %s dead-lettered: %v", info.JobName, err)
//	    return nil
//	}
//
// # Job Hooks
//
//   - [JobScheduled] a job was scheduled (after commit for persisted jobs)
//   - [JobStarted] a runner handed the job to the processor
//   - [JobCompleted] the job transaction committed
//   - [JobRetrying] the job failed and was rescheduled
//   - [JobFailed] the job failed fatally
//   - [JobDLQ] the job exhausted its retries
//
// # Exchange Hooks
//
//   - [ExchangeCreated], [ExchangeAcked], [ExchangeTimedOut]
//   - [MessageRouted] an inbound exchange was matched, queued or created an instance
//
// # Other Hooks
//
//   - [MaintenanceRan] a coordinator maintenance task finished
//   - [Shutdown] the engine is stopping
//
// The [Registry] fans out each event to every registered extension that
// implements the corresponding hook interface.
package ext
