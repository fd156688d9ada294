// SPDX-License-Identifier: MIT

// Package resilience guards flaky external collaborators with a sliding-window
// circuit breaker and a shared retry policy. The indexer adapters are wrapped
// with it; the download client is not.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type eventKind int

const (
	eventSuccess eventKind = iota
	eventFailure
)

type event struct {
	ts   time.Time
	kind eventKind
}

// clock abstracts time operations for testability.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// CircuitBreaker implements a sliding-window state machine to prevent
// hammering a failing indexer.
type CircuitBreaker struct {
	mu sync.Mutex

	name string

	state    State
	openedAt time.Time

	events []event
	window time.Duration

	threshold        int           // failures in window to trip
	minAttempts      int           // minimum events in window before tripping
	successes        int           // successes observed in HALF_OPEN
	successThreshold int           // successes required to close from HALF_OPEN
	resetTimeout     time.Duration // cooldown before HALF_OPEN

	clock clock
}

// Option configures a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithClock replaces the time source, for tests.
func WithClock(c clock) Option {
	return func(cb *CircuitBreaker) { cb.clock = c }
}

// WithHalfOpenSuccessThreshold sets how many successes close a half-open breaker.
func WithHalfOpenSuccessThreshold(n int) Option {
	return func(cb *CircuitBreaker) { cb.successThreshold = n }
}

// NewCircuitBreaker creates a sliding-window circuit breaker.
func NewCircuitBreaker(name string, threshold, minAttempts int, window, resetTimeout time.Duration, opts ...Option) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if minAttempts <= 0 {
		minAttempts = 5
	}
	if window <= 0 {
		window = 60 * time.Second
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}

	cb := &CircuitBreaker{
		name:             name,
		state:            StateClosed,
		threshold:        threshold,
		minAttempts:      minAttempts,
		window:           window,
		resetTimeout:     resetTimeout,
		successThreshold: 3,
		clock:            realClock{},
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Execute wraps a call with breaker admission and outcome recording.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.AllowRequest() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// AllowRequest checks if a request is permitted and handles OPEN -> HALF_OPEN.
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.prune()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.clock.Now().Sub(cb.openedAt) >= cb.resetTimeout {
			cb.state = StateHalfOpen
			cb.successes = 0
			return true
		}
		return false
	}
	// HALF_OPEN
	return true
}

// RecordSuccess marks a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.events = append(cb.events, event{ts: cb.clock.Now(), kind: eventSuccess})
	cb.prune()

	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = StateClosed
			cb.events = nil
		}
	}
}

// RecordFailure marks a failed call. The first failure in HALF_OPEN re-opens.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.events = append(cb.events, event{ts: cb.clock.Now(), kind: eventFailure})
	cb.prune()

	if cb.state == StateHalfOpen {
		cb.trip()
		return
	}
	cb.evaluate()
}

// CurrentState returns the state after pruning expired events.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.prune()
	return cb.state
}

func (cb *CircuitBreaker) prune() {
	cutoff := cb.clock.Now().Add(-cb.window)
	kept := 0
	for i := range cb.events {
		if !cb.events[i].ts.Before(cutoff) {
			cb.events = cb.events[i:]
			kept = 1
			break
		}
	}
	if kept == 0 {
		cb.events = nil
	}
}

func (cb *CircuitBreaker) evaluate() {
	if cb.state != StateClosed {
		return
	}
	var failures int
	for _, e := range cb.events {
		if e.kind == eventFailure {
			failures++
		}
	}
	if len(cb.events) >= cb.minAttempts && failures >= cb.threshold {
		cb.trip()
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.clock.Now()
	cb.successes = 0
}
