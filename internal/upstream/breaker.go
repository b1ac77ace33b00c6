package upstream

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the origin circuit breaker's current state.
//
//	Closed   -> Open      after FailureThreshold consecutive transport failures
//	Open     -> HalfOpen  once the cool-down elapses
//	HalfOpen -> Closed    after SuccessThreshold consecutive successes
//	HalfOpen -> Open      on any failure
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a fetch is rejected because the origin is
// considered offline.
var ErrCircuitOpen = errors.New("origin circuit open")

// Breaker short-circuits origin fetches after repeated transport failures so
// offline fallbacks are served without waiting on a dead origin. Only
// transport errors count; HTTP error statuses are successful round trips.
type Breaker struct {
	mu               sync.Mutex
	state            BreakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	openUntil        time.Time
	onChange         func(BreakerState)
}

// NewBreaker creates a Breaker. Zero or negative values fall back to
// failureThreshold=5, successThreshold=1, cooldown=30s.
func NewBreaker(failureThreshold, successThreshold int, cooldown time.Duration) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if successThreshold <= 0 {
		successThreshold = 1
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		cooldown:         cooldown,
	}
}

// OnChange registers fn to be called (with the lock held) on every state
// transition. fn must not call back into the breaker.
func (b *Breaker) OnChange(fn func(BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// State returns the current state, moving Open to HalfOpen once the cool-down
// has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolve()
}

// resolve must be called with b.mu held.
func (b *Breaker) resolve() BreakerState {
	if b.state == StateOpen && time.Now().After(b.openUntil) {
		b.successes = 0
		b.transition(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) transition(to BreakerState) {
	if b.state == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(to)
	}
}

// Allow reports whether a fetch may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolve() != StateOpen
}

// RecordSuccess notes a completed round trip.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.failures = 0
			b.successes = 0
			b.transition(StateClosed)
		}
	case StateClosed:
		b.failures = 0
	}
}

// RecordFailure notes a transport failure.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.openUntil = time.Now().Add(b.cooldown)
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.successes = 0
		b.openUntil = time.Now().Add(b.cooldown)
		b.transition(StateOpen)
	}
}
