// Package audithook is a choreo extension that turns lifecycle events into
// audit records.
//
// Every job, exchange and maintenance hook emits a structured [AuditEvent]
// through the [Recorder] interface. Severity is info for normal
// operations, warning for retries and timeouts, and critical for terminal
// failures.
//
// [LogRecorder] writes events to a slog.Logger; any other backend plugs in
// through [RecorderFunc]:
//
//	audithook.New(audithook.RecorderFunc(func(ctx context.Context, evt *audithook.AuditEvent) error {
//	    return trail.Append(ctx, evt.Action, evt.ResourceID, evt.Metadata)
//	}))
package audithook
