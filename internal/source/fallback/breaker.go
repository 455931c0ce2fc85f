// Package fallback presents one ArchiveSource backed by an ordered list of
// real clients, applying a per-backend circuit breaker and a configurable
// fallback strategy.
package fallback

import (
	"sync"
	"time"

	"github.com/pagetrail/pagetrail/internal/archiver"
)

// BreakerState is the lifecycle state of one backend's circuit breaker.
type BreakerState string

// Breaker states.
const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// StateChange describes one observable breaker transition.
type StateChange struct {
	Backend string
	From    BreakerState
	To      BreakerState
	At      time.Time
}

// StateChangeFunc receives breaker transitions. It must not block; the
// controller calls it inline.
type StateChangeFunc func(StateChange)

// Breaker tracks consecutive failures for one backend. After threshold
// consecutive failures it opens for the cooldown period, then admits exactly
// one trial call which either closes it or restarts the cooldown.
type Breaker struct {
	mu sync.Mutex

	name      string
	threshold int
	cooldown  time.Duration
	clock     archiver.Clock
	onChange  StateChangeFunc

	state         BreakerState
	failures      int
	openedAt      time.Time
	trialInFlight bool
}

// NewBreaker builds a closed breaker.
func NewBreaker(name string, threshold int, cooldown time.Duration, clock archiver.Clock, onChange StateChangeFunc) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 300 * time.Second
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clock,
		onChange:  onChange,
		state:     StateClosed,
	}
}

// Allow reports whether a call may proceed. While open it returns false
// until the cooldown elapses, then admits a single half-open trial.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock.Now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.setState(StateHalfOpen)
		b.trialInFlight = true
		return true
	case StateHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	default:
		return false
	}
}

// AbortTrial returns an admitted call slot without judging the backend, for
// calls that ended on caller cancellation before the backend answered. A
// half-open breaker stays half-open and will admit the next trial.
func (b *Breaker) AbortTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialInFlight = false
}

// RecordSuccess closes the breaker and clears the failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.trialInFlight = false
	if b.state != StateClosed {
		b.setState(StateClosed)
	}
}

// RecordFailure extends the failure streak; it reopens a half-open breaker
// and opens a closed one at the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.trialInFlight = false
	switch b.state {
	case StateHalfOpen:
		b.openedAt = b.clock.Now()
		b.setState(StateOpen)
	case StateClosed:
		if b.failures >= b.threshold {
			b.openedAt = b.clock.Now()
			b.setState(StateOpen)
		}
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// setState transitions and notifies; callers hold the mutex.
func (b *Breaker) setState(to BreakerState) {
	from := b.state
	b.state = to
	if b.onChange != nil && from != to {
		b.onChange(StateChange{Backend: b.name, From: from, To: to, At: b.clock.Now()})
	}
}
