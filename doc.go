// Package choreo is the transactional core of a business-process
// orchestration engine: a durable job scheduler, a message correlator and
// the message-exchange state machine that process executors build on.
//
// choreo is a library. Create a store, build an engine around it and plug
// in a process executor:
//
//	st := memory.New()
//	eng, err := engine.New(st, executor,
//	    engine.WithLogger(logger),
//	    engine.WithConfig(choreo.DefaultConfig()),
//	)
//	if err := eng.Start(ctx); err != nil { ... }
//	defer eng.Stop(ctx)
//
// # Architecture
//
// Every subsystem (job, mex, correlator, dlq, cluster) defines its own
// store interface and a single backend implements all of them together
// with transaction support (see package tx). Work that must happen after a
// transaction commits is expressed as a job; the scheduler runs each job
// inside its own transaction and retries or dead-letters failures.
//
// The choreod command runs one engine node configured from YAML (see
// package config).
//
// Entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based.
package choreo
