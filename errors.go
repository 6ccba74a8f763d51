package choreo

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("choreo: no store configured")
	ErrStoreClosed     = errors.New("choreo: store closed")
	ErrMigrationFailed = errors.New("choreo: migration failed")

	// Not found errors.
	ErrJobNotFound  = errors.New("choreo: job not found")
	ErrMexNotFound  = errors.New("choreo: message exchange not found")
	ErrDLQNotFound  = errors.New("choreo: dlq entry not found")
	ErrNodeNotFound = errors.New("choreo: node not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("choreo: job already exists")
	ErrMexAlreadyExists = errors.New("choreo: message exchange already exists")

	// Transaction errors.
	ErrNoTransaction      = errors.New("choreo: no active transaction")
	ErrTransactionTimeout = errors.New("choreo: transaction timed out")
	ErrTxConflict         = errors.New("choreo: transaction conflict")
	ErrLockTimeout        = errors.New("choreo: timed out acquiring transaction locks")

	// Scheduler errors.
	ErrSchedulerStopped   = errors.New("choreo: scheduler stopped")
	ErrNoProcessor        = errors.New("choreo: no job processor installed")
	ErrMaxRetriesExceeded = errors.New("choreo: max retries exceeded")

	// Engine errors.
	ErrUnknownProcess  = errors.New("choreo: unknown process")
	ErrProcessInactive = errors.New("choreo: process is not active")

	// Cluster errors.
	ErrLeadershipLost = errors.New("choreo: leadership lost")
	ErrNotLeader      = errors.New("choreo: not the leader")
)
