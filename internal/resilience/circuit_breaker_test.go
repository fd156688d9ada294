// SPDX-License-Identifier: MIT

package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	return NewCircuitBreaker("test", 3, 3, time.Minute, 30*time.Second,
		WithClock(clock), WithHalfOpenSuccessThreshold(2))
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cb := newTestBreaker(clock)

	assert.Equal(t, StateClosed, cb.CurrentState())
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	assert.Equal(t, StateOpen, cb.CurrentState())
	assert.False(t, cb.AllowRequest())
}

func TestBreakerMinAttempts(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker("test", 2, 5, time.Minute, 30*time.Second, WithClock(clock))

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.CurrentState(),
		"too few events in window to trip")
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cb := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, StateOpen, cb.CurrentState())

	clock.advance(31 * time.Second)
	assert.True(t, cb.AllowRequest(), "cooldown elapsed, probe allowed")
	assert.Equal(t, StateHalfOpen, cb.CurrentState())

	cb.RecordSuccess()
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.CurrentState())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cb := newTestBreaker(clock)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	clock.advance(31 * time.Second)
	require.True(t, cb.AllowRequest())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.CurrentState())
	assert.False(t, cb.AllowRequest())
}

func TestBreakerWindowPruning(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cb := newTestBreaker(clock)

	cb.RecordFailure()
	cb.RecordFailure()
	clock.advance(2 * time.Minute)
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.CurrentState(),
		"old failures aged out of the window")
}

func TestExecute(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cb := newTestBreaker(clock)

	sentinel := errors.New("boom")
	for i := 0; i < 3; i++ {
		err := cb.Execute(func() error { return sentinel })
		assert.ErrorIs(t, err, sentinel)
	}
	err := cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}
