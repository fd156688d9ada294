// SPDX-License-Identifier: MIT

package sched

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRegisterValidation(t *testing.T) {
	s := New()
	require.NoError(t, s.Register("a", time.Second, func(context.Context) error { return nil }))
	assert.Error(t, s.Register("a", time.Second, func(context.Context) error { return nil }), "duplicate name")
	assert.Error(t, s.Register("b", 0, func(context.Context) error { return nil }), "non-positive interval")
}

func TestRegisterAfterStart(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	assert.Error(t, s.Register("late", time.Second, func(context.Context) error { return nil }))
}

func TestTasksRunAndRecover(t *testing.T) {
	s := New()
	var runs, failures atomic.Int32

	require.NoError(t, s.Register("ok", 10*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	require.NoError(t, s.Register("fails", 10*time.Millisecond, func(context.Context) error {
		failures.Add(1)
		return errors.New("task error")
	}))
	require.NoError(t, s.Register("panics", 10*time.Millisecond, func(context.Context) error {
		panic("task panic")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	assert.Eventually(t, func() bool {
		return runs.Load() >= 2 && failures.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond, "tasks keep running despite errors and panics")

	cancel()
	time.Sleep(50 * time.Millisecond) // let loops observe cancellation
}
