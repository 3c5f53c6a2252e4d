// Package breaker implements per-source circuit breaking for archive indexes.
package breaker

import (
	"sync"
	"time"

	"github.com/pagevault/pagevault/internal/archive"
)

// State represents the circuit breaker state.
type State int

// Breaker states.
const (
	Closed   State = iota // Normal operation, calls pass through.
	Open                  // Calls rejected until the cooldown elapses.
	HalfOpen              // One trial call allowed to test recovery.
)

// String returns the persisted name of the state.
func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func stateFromString(s string) State {
	switch s {
	case "open":
		return Open
	case "half_open":
		return HalfOpen
	default:
		return Closed
	}
}

// Breaker tracks consecutive failures for one source. Thread-safe: all state
// transitions hold a mutex, so one domain's failures protect every concurrent
// domain hitting the same source.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	threshold   int
	window      time.Duration
	cooldown    time.Duration
	lastFailure time.Time
	trialTaken  bool
	clock       archive.Clock
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets the consecutive-failure count that trips the breaker.
func WithThreshold(n int) Option {
	return func(b *Breaker) { b.threshold = n }
}

// WithWindow sets the rolling window; failures older than it no longer count
// as consecutive.
func WithWindow(d time.Duration) Option {
	return func(b *Breaker) { b.window = d }
}

// WithCooldown sets how long the breaker stays open before allowing a trial.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) { b.cooldown = d }
}

// WithClock injects a clock for deterministic tests.
func WithClock(c archive.Clock) Option {
	return func(b *Breaker) { b.clock = c }
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// New creates a breaker with defaults: 3 consecutive failures inside a
// 1-minute window to open, 30s cooldown before a half-open trial.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		state:     Closed,
		threshold: 3,
		window:    time.Minute,
		cooldown:  30 * time.Second,
		clock:     systemClock{},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// State returns the current state after applying time-based transitions.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransition()
	return b.state
}

// Allow reports whether a call may proceed. In half-open state exactly one
// trial call is admitted until its result is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransition()
	switch b.state {
	case Open:
		return false
	case HalfOpen:
		if b.trialTaken {
			return false
		}
		b.trialTaken = true
		return true
	default:
		return true
	}
}

// RecordSuccess resets the failure streak; one success in half-open closes
// the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case HalfOpen:
		b.state = Closed
		b.failures = 0
		b.trialTaken = false
	case Closed:
		b.failures = 0
	}
}

// RecordFailure counts a failure; the streak resets if the previous failure
// fell outside the rolling window.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	switch b.state {
	case Closed:
		if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.window {
			b.failures = 0
		}
		b.failures++
		if b.failures >= b.threshold {
			b.state = Open
		}
	case HalfOpen:
		// The trial failed; back to open for another cooldown.
		b.state = Open
		b.trialTaken = false
	}
	b.lastFailure = now
}

// Snapshot captures state for resume persistence.
func (b *Breaker) Snapshot() archive.BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransition()
	return archive.BreakerSnapshot{
		State:       b.state.String(),
		Failures:    b.failures,
		LastFailure: b.lastFailure,
	}
}

// Restore reinstates a persisted snapshot.
func (b *Breaker) Restore(snap archive.BreakerSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateFromString(snap.State)
	b.failures = snap.Failures
	b.lastFailure = snap.LastFailure
	b.trialTaken = false
}

// maybeTransition moves an open breaker to half-open once the cooldown
// elapses. Must be called with mu held.
func (b *Breaker) maybeTransition() {
	if b.state == Open && b.clock.Now().Sub(b.lastFailure) >= b.cooldown {
		b.state = HalfOpen
		b.trialTaken = false
	}
}
