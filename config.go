package choreo

import "time"

// Config holds the runtime configuration shared by the scheduler and the
// engine.
type Config struct {
	// Concurrency is the number of worker goroutines claiming persisted jobs.
	Concurrency int

	// VolatileConcurrency is the number of goroutines running in-memory jobs.
	VolatileConcurrency int

	// PollInterval is how often idle workers poll the store for due jobs.
	PollInterval time.Duration

	// ClaimBatch is the maximum number of jobs a worker claims per poll.
	ClaimBatch int

	// LeaseDuration is how long a claimed job stays invisible to other
	// runners. A runner that crashes releases its jobs after one lease.
	LeaseDuration time.Duration

	// HeartbeatInterval is how often running jobs and the node itself are
	// heartbeated. Must be well below LeaseDuration.
	HeartbeatInterval time.Duration

	// NodeTTL is how long a node may go without a heartbeat before the
	// coordinator considers it dead and releases its leases.
	NodeTTL time.Duration

	// RecoveryInterval is how often the coordinator sweeps for dead nodes.
	RecoveryInterval time.Duration

	// MaxRetries is the number of retries a failing job gets before it is
	// dead-lettered.
	MaxRetries int

	// TransactionTimeout bounds every managed transaction unless a caller
	// passes an explicit timeout.
	TransactionTimeout time.Duration

	// LockTimeout bounds AcquireTransactionLocks.
	LockTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// InactiveProcessDelay is how far a job addressed to an inactive
	// process is pushed back.
	InactiveProcessDelay time.Duration

	// MexTimeout is the default timeout of a message exchange.
	MexTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:          10,
		VolatileConcurrency:  4,
		PollInterval:         time.Second,
		ClaimBatch:           10,
		LeaseDuration:        2 * time.Minute,
		HeartbeatInterval:    20 * time.Second,
		NodeTTL:              time.Minute,
		RecoveryInterval:     30 * time.Second,
		MaxRetries:           10,
		TransactionTimeout:   time.Minute,
		LockTimeout:          30 * time.Second,
		ShutdownTimeout:      30 * time.Second,
		InactiveProcessDelay: time.Minute,
		MexTimeout:           30 * time.Second,
	}
}
