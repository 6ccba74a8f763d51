package queue

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/xraph/choreo/job"
)

// Config defines per-job-type rate limiting and concurrency.
type Config struct {
	// Type is the job type the limits apply to.
	Type job.Type

	// MaxConcurrency limits how many jobs of this type may run at once in
	// the local worker pool. Zero means no type-specific limit.
	MaxConcurrency int

	// RateLimit is the maximum sustained jobs per second started for this
	// type. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the token-bucket burst size. Defaults to 1 when
	// RateLimit is set.
	RateBurst int
}

// ProcessConfig limits the jobs of one type addressed to one process.
type ProcessConfig struct {
	Type           job.Type
	Process        string
	RateLimit      float64
	RateBurst      int
	MaxConcurrency int
}

type limitState struct {
	limiter        *rate.Limiter
	maxConcurrency int
	active         int
}

func newLimitState(limit float64, burst, maxConcurrency int) *limitState {
	ls := &limitState{maxConcurrency: maxConcurrency}
	if limit > 0 {
		if burst <= 0 {
			burst = 1
		}
		ls.limiter = rate.NewLimiter(rate.Limit(limit), burst)
	}
	return ls
}

func (ls *limitState) full() bool {
	return ls.maxConcurrency > 0 && ls.active >= ls.maxConcurrency
}

type processKey struct {
	typ     job.Type
	process string
}

// Manager controls per-type and per-process rate limiting and
// concurrency. It is safe for concurrent use.
type Manager struct {
	mu        sync.Mutex
	types     map[job.Type]*limitState
	processes map[processKey]*limitState
}

// NewManager creates a Manager with the given type configurations. Types
// not listed have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		types:     make(map[job.Type]*limitState, len(configs)),
		processes: make(map[processKey]*limitState),
	}
	for _, cfg := range configs {
		m.types[cfg.Type] = newLimitState(cfg.RateLimit, cfg.RateBurst, cfg.MaxConcurrency)
	}
	return m
}

// Acquire checks the limits for a job of type t addressed to process. If
// the job may start it takes a concurrency slot and returns true; the
// caller MUST call Release when the job finishes. Concurrency is checked
// before any rate token is spent.
func (m *Manager) Acquire(t job.Type, process string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.types[t]
	ps := m.processes[processKey{t, process}]

	if (ts != nil && ts.full()) || (ps != nil && ps.full()) {
		return false
	}
	if ts != nil && ts.limiter != nil && !ts.limiter.Allow() {
		return false
	}
	if ps != nil && ps.limiter != nil && !ps.limiter.Allow() {
		return false
	}

	if ts != nil {
		ts.active++
	}
	if ps != nil {
		ps.active++
	}
	return true
}

// Release frees the slot taken by Acquire.
func (m *Manager) Release(t job.Type, process string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ts := m.types[t]; ts != nil && ts.active > 0 {
		ts.active--
	}
	if ps := m.processes[processKey{t, process}]; ps != nil && ps.active > 0 {
		ps.active--
	}
}

// SetConfig updates (or creates) a type configuration, keeping the
// current active count.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ls := newLimitState(cfg.RateLimit, cfg.RateBurst, cfg.MaxConcurrency)
	if existing := m.types[cfg.Type]; existing != nil {
		ls.active = existing.active
	}
	m.types[cfg.Type] = ls
}

// SetProcessConfig configures limits for one process on one job type,
// replacing any previous configuration for the pair.
func (m *Manager) SetProcessConfig(cfg ProcessConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := processKey{cfg.Type, cfg.Process}
	ls := newLimitState(cfg.RateLimit, cfg.RateBurst, cfg.MaxConcurrency)
	if existing := m.processes[key]; existing != nil {
		ls.active = existing.active
	}
	m.processes[key] = ls
}

// ActiveCount returns the number of running jobs of type t.
func (m *Manager) ActiveCount(t job.Type) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts := m.types[t]; ts != nil {
		return ts.active
	}
	return 0
}

// ProcessActiveCount returns the number of running jobs of type t for
// process.
func (m *Manager) ProcessActiveCount(t job.Type, process string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ps := m.processes[processKey{t, process}]; ps != nil {
		return ps.active
	}
	return 0
}
