// SPDX-License-Identifier: MIT

// Package daemon owns the long-lived runtime: composition of the core
// subsystems, their startup order, and graceful shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/voslund/fetchd/internal/api"
	"github.com/voslund/fetchd/internal/config"
	"github.com/voslund/fetchd/internal/dispatch"
	"github.com/voslund/fetchd/internal/journal"
	"github.com/voslund/fetchd/internal/pipeline"
	"github.com/voslund/fetchd/internal/recovery"
	"github.com/voslund/fetchd/internal/request"
	"github.com/voslund/fetchd/internal/sched"
	"github.com/voslund/fetchd/internal/store"
)

// App is the assembled daemon.
type App struct {
	Cfg        *config.Config
	Store      store.StateStore
	Journal    *journal.Journal
	Engine     *pipeline.Engine
	Dispatcher *dispatch.Dispatcher
	Scheduler  *sched.Scheduler
	Sweeper    *recovery.Sweeper
	Watcher    *recovery.DownloadWatcher
	Requests   *request.Service
	Indexers   *IndexerManager
	API        *api.Server

	Limiter interface {
		GC(ctx context.Context) (int, error)
	}
	TelemetryShutdown func(context.Context) error

	logger zerolog.Logger
}

// Run starts all subsystems and blocks until ctx is cancelled or a fatal
// error occurs.
func (a *App) Run(ctx context.Context) error {
	if err := a.Dispatcher.Startup(ctx); err != nil {
		return fmt.Errorf("daemon: dispatcher startup: %w", err)
	}
	if err := a.Engine.RecoverRunning(ctx); err != nil {
		return fmt.Errorf("daemon: execution recovery: %w", err)
	}
	if a.Indexers != nil {
		if err := a.Indexers.Load(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("initial indexer load failed")
		}
	}

	if err := a.registerTasks(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Dispatcher.Run(ctx) })

	a.Scheduler.Start(ctx)

	if a.Indexers != nil {
		g.Go(func() error {
			a.Indexers.Watch(ctx)
			return nil
		})
	}

	addr := net.JoinHostPort(a.Cfg.Host, strconv.Itoa(a.Cfg.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           a.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info().Str("addr", addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err := g.Wait()

	// Let in-flight walkers finish persisting before the store closes.
	a.Engine.Wait()
	if a.TelemetryShutdown != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.TelemetryShutdown(flushCtx)
		cancel()
	}
	if a.Journal != nil {
		_ = a.Journal.Close()
	}
	_ = a.Store.Close()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) registerTasks() error {
	cfg := a.Cfg
	tasks := []struct {
		name     string
		interval time.Duration
		fn       sched.TaskFunc
	}{
		{"recovery", cfg.RecoveryInterval, a.Sweeper.Run},
		{"download_poll", cfg.DownloadPollInterval, a.Watcher.Run},
		{"dispatch_acceptance", cfg.DispatchSweepInterval, a.Dispatcher.AcceptanceSweep},
		{"dispatch_stall", cfg.DispatchSweepInterval, a.Dispatcher.StallSweep},
		{"dispatch_heartbeat", cfg.DispatchSweepInterval, a.Dispatcher.HeartbeatSweep},
		{"progress_flush", cfg.ProgressFlushInterval, a.Dispatcher.FlushProgress},
	}
	if a.Limiter != nil {
		tasks = append(tasks, struct {
			name     string
			interval time.Duration
			fn       sched.TaskFunc
		}{"ratelimit_gc", cfg.RateLimitGCInterval, func(ctx context.Context) error {
			_, err := a.Limiter.GC(ctx)
			return err
		}})
	}

	for _, t := range tasks {
		if err := a.Scheduler.Register(t.name, t.interval, t.fn); err != nil {
			return err
		}
	}
	return nil
}
