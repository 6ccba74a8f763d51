package queue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/choreo/job"
)

const proc = "{urn:test}order"

// ---------------------------------------------------------------------------
// Manager basics
// ---------------------------------------------------------------------------

func TestNewManager_Empty(t *testing.T) {
	m := NewManager()
	if !m.Acquire(job.TypeTimer, proc) {
		t.Fatal("expected Acquire to succeed for unconfigured type")
	}
	m.Release(job.TypeTimer, proc)
}

func TestManager_MaxConcurrency(t *testing.T) {
	m := NewManager(Config{Type: job.TypeMatcher, MaxConcurrency: 2})

	if !m.Acquire(job.TypeMatcher, proc) {
		t.Fatal("first Acquire should succeed")
	}
	if !m.Acquire(job.TypeMatcher, proc) {
		t.Fatal("second Acquire should succeed")
	}
	if m.Acquire(job.TypeMatcher, proc) {
		t.Fatal("third Acquire should fail (max concurrency 2)")
	}

	m.Release(job.TypeMatcher, proc)
	if !m.Acquire(job.TypeMatcher, proc) {
		t.Fatal("Acquire should succeed after Release")
	}
}

func TestManager_AcquireRelease_ActiveCount(t *testing.T) {
	m := NewManager(Config{Type: job.TypeTimer, MaxConcurrency: 5})

	for i := range 3 {
		if !m.Acquire(job.TypeTimer, proc) {
			t.Fatalf("Acquire %d should succeed", i)
		}
	}
	if m.ActiveCount(job.TypeTimer) != 3 {
		t.Fatalf("expected 3 active, got %d", m.ActiveCount(job.TypeTimer))
	}

	m.Release(job.TypeTimer, proc)
	m.Release(job.TypeTimer, proc)
	if m.ActiveCount(job.TypeTimer) != 1 {
		t.Fatalf("expected 1 active, got %d", m.ActiveCount(job.TypeTimer))
	}
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

func TestManager_RateLimit_Throttles(t *testing.T) {
	m := NewManager(Config{Type: job.TypeInvokeCheck, RateLimit: 1.0, RateBurst: 1})

	if !m.Acquire(job.TypeInvokeCheck, proc) {
		t.Fatal("first Acquire should succeed (within burst)")
	}
	m.Release(job.TypeInvokeCheck, proc)

	if m.Acquire(job.TypeInvokeCheck, proc) {
		t.Fatal("second Acquire should fail (rate limited)")
	}

	time.Sleep(1100 * time.Millisecond)
	if !m.Acquire(job.TypeInvokeCheck, proc) {
		t.Fatal("Acquire should succeed after token refill")
	}
	m.Release(job.TypeInvokeCheck, proc)
}

func TestManager_RateLimit_BurstAllows(t *testing.T) {
	m := NewManager(Config{Type: job.TypeResume, RateLimit: 10.0, RateBurst: 3})

	for i := range 3 {
		if !m.Acquire(job.TypeResume, proc) {
			t.Fatalf("Acquire %d should succeed (within burst)", i)
		}
		m.Release(job.TypeResume, proc)
	}
}

func TestManager_FullDoesNotSpendTokens(t *testing.T) {
	m := NewManager(Config{Type: job.TypeTimer, MaxConcurrency: 1, RateLimit: 0.001, RateBurst: 2})

	if !m.Acquire(job.TypeTimer, proc) {
		t.Fatal("first Acquire should succeed")
	}
	for range 5 {
		if m.Acquire(job.TypeTimer, proc) {
			t.Fatal("Acquire should fail while full")
		}
	}
	m.Release(job.TypeTimer, proc)

	// The second burst token is still there.
	if !m.Acquire(job.TypeTimer, proc) {
		t.Fatal("rejected Acquires should not have consumed tokens")
	}
}

// ---------------------------------------------------------------------------
// Per-process isolation
// ---------------------------------------------------------------------------

func TestManager_ProcessLimit(t *testing.T) {
	m := NewManager(Config{Type: job.TypeMatcher, MaxConcurrency: 100})
	m.SetProcessConfig(ProcessConfig{Type: job.TypeMatcher, Process: "a", MaxConcurrency: 1})

	if !m.Acquire(job.TypeMatcher, "a") {
		t.Fatal("process a first Acquire should succeed")
	}
	if m.Acquire(job.TypeMatcher, "a") {
		t.Fatal("process a second Acquire should fail (process max 1)")
	}
	if !m.Acquire(job.TypeMatcher, "b") {
		t.Fatal("process b Acquire should succeed (no process limit)")
	}

	if got := m.ProcessActiveCount(job.TypeMatcher, "a"); got != 1 {
		t.Fatalf("process a active = %d, want 1", got)
	}
	if got := m.ActiveCount(job.TypeMatcher); got != 2 {
		t.Fatalf("type active = %d, want 2", got)
	}

	m.Release(job.TypeMatcher, "a")
	m.Release(job.TypeMatcher, "b")
	if got := m.ProcessActiveCount(job.TypeMatcher, "a"); got != 0 {
		t.Fatalf("process a active = %d after release, want 0", got)
	}
}

func TestManager_ProcessLimitIsPerType(t *testing.T) {
	m := NewManager()
	m.SetProcessConfig(ProcessConfig{Type: job.TypeTimer, Process: "a", MaxConcurrency: 1})

	m.Acquire(job.TypeTimer, "a")
	if !m.Acquire(job.TypeResume, "a") {
		t.Fatal("limit on TIMER should not affect RESUME")
	}
}

// ---------------------------------------------------------------------------
// Dynamic reconfiguration
// ---------------------------------------------------------------------------

func TestManager_SetConfig(t *testing.T) {
	m := NewManager(Config{Type: job.TypeTimer, MaxConcurrency: 1})

	m.Acquire(job.TypeTimer, proc)
	if m.Acquire(job.TypeTimer, proc) {
		t.Fatal("should be blocked at concurrency 1")
	}

	m.SetConfig(Config{Type: job.TypeTimer, MaxConcurrency: 3})
	if m.ActiveCount(job.TypeTimer) != 1 {
		t.Fatal("reconfiguration should keep the active count")
	}
	if !m.Acquire(job.TypeTimer, proc) {
		t.Fatal("should succeed after raising concurrency")
	}
}

// ---------------------------------------------------------------------------
// Concurrency safety
// ---------------------------------------------------------------------------

func TestManager_ConcurrentAccess(t *testing.T) {
	m := NewManager(Config{Type: job.TypeMatcher, MaxConcurrency: 50})

	var acquired atomic.Int64
	var wg sync.WaitGroup

	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Acquire(job.TypeMatcher, proc) {
				acquired.Add(1)
				time.Sleep(time.Millisecond)
				m.Release(job.TypeMatcher, proc)
			}
		}()
	}
	wg.Wait()

	if acquired.Load() == 0 {
		t.Fatal("expected some Acquires to succeed")
	}
	if m.ActiveCount(job.TypeMatcher) != 0 {
		t.Fatalf("expected 0 active after all goroutines, got %d", m.ActiveCount(job.TypeMatcher))
	}
}

func TestManager_ReleaseUnderflow(t *testing.T) {
	m := NewManager(Config{Type: job.TypeTimer, MaxConcurrency: 5})

	m.Release(job.TypeTimer, proc)
	if m.ActiveCount(job.TypeTimer) != 0 {
		t.Fatal("active count should not go below 0")
	}
}
