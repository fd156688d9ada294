// SPDX-License-Identifier: MIT

// Package sched is the registry of named periodic tasks: recovery sweeps,
// dispatcher sweeps, rate-limit GC and other maintenance work.
package sched

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voslund/fetchd/internal/log"
	"github.com/voslund/fetchd/internal/metrics"
)

// TaskFunc is one run of a periodic task.
type TaskFunc func(ctx context.Context) error

type task struct {
	name     string
	interval time.Duration
	fn       TaskFunc
}

// Scheduler runs registered tasks, each on its own jittered ticker.
type Scheduler struct {
	mu      sync.Mutex
	tasks   []task
	started bool
	logger  zerolog.Logger
}

// New returns an empty scheduler.
func New() *Scheduler {
	return &Scheduler{logger: log.WithComponent("sched")}
}

// Register adds a task. Must be called before Start.
func (s *Scheduler) Register(name string, interval time.Duration, fn TaskFunc) error {
	if interval <= 0 {
		return fmt.Errorf("sched: task %q: non-positive interval", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("sched: task %q registered after start", name)
	}
	for _, t := range s.tasks {
		if t.name == name {
			return fmt.Errorf("sched: duplicate task %q", name)
		}
	}
	s.tasks = append(s.tasks, task{name: name, interval: interval, fn: fn})
	return nil
}

// Start launches every task loop and returns. Loops stop when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.started = true
	tasks := append([]task(nil), s.tasks...)
	s.mu.Unlock()

	for _, t := range tasks {
		go s.loop(ctx, t)
	}
	s.logger.Info().Int("tasks", len(tasks)).Msg("scheduler started")
}

func (s *Scheduler) loop(ctx context.Context, t task) {
	// Initial jitter spreads the first firings so all tasks don't hit the
	// store at once after boot.
	jitter := time.Duration(rand.Int63n(int64(t.interval) / 2))
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		s.runOnce(ctx, t)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, t task) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SchedulerRunTotal.WithLabelValues(t.name, "panic").Inc()
			s.logger.Error().Interface("panic", r).Str("task", t.name).Msg("periodic task panicked")
		}
	}()

	start := time.Now()
	err := t.fn(ctx)
	switch {
	case err == nil:
		metrics.SchedulerRunTotal.WithLabelValues(t.name, "ok").Inc()
	case ctx.Err() != nil:
		// Shutdown, not a task failure.
	default:
		metrics.SchedulerRunTotal.WithLabelValues(t.name, "error").Inc()
		s.logger.Warn().Err(err).
			Str("task", t.name).
			Dur("duration", time.Since(start)).
			Msg("periodic task failed")
	}
}
