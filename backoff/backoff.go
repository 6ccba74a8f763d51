// Package backoff provides the retry delay strategies the scheduler uses
// when a job fails with a retryable error. All strategies are stateless and
// safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// Func adapts a function to Strategy.
type Func func(attempt int) time.Duration

// Delay calls f.
func (f Func) Delay(attempt int) time.Duration { return f(attempt) }

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Linear
// ──────────────────────────────────────────────────

// Linear grows the delay by Initial per attempt, capped at Max.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// NewLinear creates a linear backoff strategy.
func NewLinear(initial, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * attempt, capped at Max.
func (l *Linear) Delay(attempt int) time.Duration {
	return capped(l.Initial*time.Duration(attempt), l.Max)
}

// ──────────────────────────────────────────────────
// Geometric
// ──────────────────────────────────────────────────

// Geometric multiplies the delay by Base on every attempt:
// Delay = min(Unit * Base^attempt, Max).
type Geometric struct {
	Base float64
	Unit time.Duration
	Max  time.Duration
}

// NewGeometric creates a geometric backoff strategy.
func NewGeometric(base float64, unit, maxDelay time.Duration) *Geometric {
	return &Geometric{Base: base, Unit: unit, Max: maxDelay}
}

// NewExponential doubles the delay each attempt starting at initial:
// Delay = min(initial * 2^(attempt-1), max).
func NewExponential(initial, maxDelay time.Duration) *Geometric {
	return &Geometric{Base: 2, Unit: initial / 2, Max: maxDelay}
}

// Delay returns Unit * Base^attempt, capped at Max.
func (g *Geometric) Delay(attempt int) time.Duration {
	f := float64(g.Unit) * math.Pow(g.Base, float64(attempt))
	if g.Max > 0 && f >= float64(g.Max) {
		return g.Max
	}
	if f >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}

// ──────────────────────────────────────────────────
// Jitter
// ──────────────────────────────────────────────────

// Jitter randomizes another strategy's delay down by up to Fraction of it,
// spreading retries of jobs that failed together.
type Jitter struct {
	Strategy Strategy
	Fraction float64
}

// WithJitter wraps s. Fraction is clamped to [0, 1]; 1 is full jitter.
func WithJitter(s Strategy, fraction float64) *Jitter {
	return &Jitter{Strategy: s, Fraction: math.Min(math.Max(fraction, 0), 1)}
}

// Delay returns a random duration in [d*(1-Fraction), d].
func (j *Jitter) Delay(attempt int) time.Duration {
	d := float64(j.Strategy.Delay(attempt))
	spread := d * j.Fraction
	return time.Duration(d - rand.Float64()*spread) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultStrategy returns the scheduler's default: 5^attempt seconds,
// capped at one hour.
func DefaultStrategy() Strategy {
	return NewGeometric(5, time.Second, time.Hour)
}

func capped(d, maxDelay time.Duration) time.Duration {
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}
