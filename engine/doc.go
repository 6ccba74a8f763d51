// Package engine is the façade of choreo. It owns the job scheduler,
// processes every fired job, creates and looks up message exchanges and
// calls out to the process executor and the partner integration layer.
//
// # Building an Engine
//
//	eng, err := engine.New(st, executor,
//	    engine.WithLogger(logger),
//	    engine.WithPartnerInvoker(invoker),
//	    engine.WithQueueConfig(queue.Config{
//	        Type:      job.TypeMatcher,
//	        RateLimit: 200,
//	    }),
//	    engine.WithSchedulerOptions(scheduler.WithCoordinator(coord)),
//	)
//	if err := eng.Start(ctx); err != nil { ... }
//	defer eng.Stop(ctx)
//
// # Inbound calls (my role)
//
//	ex, err := eng.CreateMessageExchange(ctx, clientKey, "OrderService", "placeOrder")
//	err = eng.InvokeBlocking(ctx, ex, msg)
//	resp := ex.ResponseMessage()
//
// Invoke schedules an INVOKE_INTERNAL job. Its transaction computes the
// correlation keys, then delivers the message to a waiting route
// (MATCHED), creates an instance (CREATE_INSTANCE) or queues the message
// on the correlator (QUEUED). A route placed later schedules a MATCHER job
// that consumes the queued message.
//
// # Outbound calls (partner role)
//
// InvokePartner sends an exchange through the PartnerInvoker behind a
// per-endpoint circuit breaker. Non-blocking request-response exchanges
// are supervised by an INVOKE_CHECK job that fails them with NO_RESPONSE
// (or the failure the invoker noted) when no reply arrives in time.
// Replies reach the instance through INVOKE_RESPONSE jobs.
//
// # Options
//
//   - [WithConfig]: runtime configuration
//   - [WithPartnerInvoker]: partner integration layer
//   - [WithExtension]: register a lifecycle extension
//   - [WithMiddleware]: add a middleware to the execution chain
//   - [WithBackoff]: set the retry backoff strategy
//   - [WithQueueConfig]: per-job-type rate limits and concurrency
//   - [WithSchedulerOptions]: clustering options of the scheduler
//   - [WithMaintenance]: maintenance schedules
//   - [WithBreaker]: circuit breaker thresholds
//   - [WithTracerProvider]: set the OpenTelemetry tracer provider
//   - [WithMeterProvider]: set the OpenTelemetry meter provider
package engine
