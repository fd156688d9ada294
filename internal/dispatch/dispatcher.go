// SPDX-License-Identifier: MIT

// Package dispatch is the encoder dispatcher: it terminates worker WebSocket
// connections, matches pending encode jobs to workers under capacity and
// health constraints, tracks progress, detects stalls and requeues work on
// worker loss.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voslund/fetchd/internal/journal"
	"github.com/voslund/fetchd/internal/log"
	"github.com/voslund/fetchd/internal/metrics"
	"github.com/voslund/fetchd/internal/model"
	"github.com/voslund/fetchd/internal/store"
)

// Config holds the dispatcher's timing and capacity policy.
type Config struct {
	// AssignedTimeout is the acceptance window: an offer not ENCODING within
	// it reverts to PENDING and the worker is briefly blocked.
	AssignedTimeout time.Duration
	// StallTimeout marks an ENCODING job stalled when no progress arrived.
	StallTimeout time.Duration
	// HeartbeatInterval is the expected worker heartbeat cadence.
	HeartbeatInterval time.Duration
	// HeartbeatMisses is how many missed intervals mark a worker OFFLINE.
	HeartbeatMisses int
	// ShortBlock is the cool-off applied after a capacity rejection or an
	// expired acceptance window.
	ShortBlock time.Duration
	// DefaultMaxConcurrent caps workers that HELLO without a declared capacity.
	DefaultMaxConcurrent int
	// DefaultMaxAttempts bounds requeues per assignment.
	DefaultMaxAttempts int
	// AuthToken gates the WebSocket upgrade. Empty disables auth (tests).
	AuthToken string
	// PathMaps translates shared-storage paths per worker id.
	PathMaps map[string][]PathMapping
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		AssignedTimeout:      30 * time.Second,
		StallTimeout:         2 * time.Minute,
		HeartbeatInterval:    15 * time.Second,
		HeartbeatMisses:      3,
		ShortBlock:           10 * time.Second,
		DefaultMaxConcurrent: 1,
		DefaultMaxAttempts:   3,
	}
}

// EncodeResult carries a completed job's output back to the pipeline.
type EncodeResult struct {
	OutputPath       string
	Size             int64
	CompressionRatio float64
	DurationMs       int64
}

// Events is the dispatcher's outbound edge to the pipeline engine. Both
// callbacks must be idempotent by jobID: recovery may race a live completion.
type Events interface {
	EncodeCompleted(ctx context.Context, jobID string, result EncodeResult)
	EncodeFailed(ctx context.Context, jobID, errMsg string)
}

// Dispatcher schedules encode assignments onto connected workers.
type Dispatcher struct {
	Store   store.StateStore
	Journal *journal.Journal
	Conf    Config
	Events  Events

	mu    sync.Mutex
	conns map[string]*conn

	kick   chan struct{}
	logger zerolog.Logger
}

// New builds a dispatcher. Events is wired by the composition root before Run.
func New(st store.StateStore, jn *journal.Journal, conf Config) *Dispatcher {
	if conf.AssignedTimeout <= 0 {
		conf.AssignedTimeout = 30 * time.Second
	}
	if conf.StallTimeout <= 0 {
		conf.StallTimeout = 2 * time.Minute
	}
	if conf.HeartbeatInterval <= 0 {
		conf.HeartbeatInterval = 15 * time.Second
	}
	if conf.HeartbeatMisses <= 0 {
		conf.HeartbeatMisses = 3
	}
	if conf.ShortBlock <= 0 {
		conf.ShortBlock = 10 * time.Second
	}
	if conf.DefaultMaxConcurrent <= 0 {
		conf.DefaultMaxConcurrent = 1
	}
	if conf.DefaultMaxAttempts <= 0 {
		conf.DefaultMaxAttempts = 3
	}
	return &Dispatcher{
		Store:   st,
		Journal: jn,
		Conf:    conf,
		conns:   make(map[string]*conn),
		kick:    make(chan struct{}, 1),
		logger:  log.WithComponent("dispatch"),
	}
}

// Startup resets persisted dispatcher state after a restart: every worker is
// OFFLINE until it re-HELLOs and every ASSIGNED offer reverts to PENDING.
// Journaled progress is replayed onto ENCODING assignments so the stall sweep
// does not misfire on pre-restart frames.
func (d *Dispatcher) Startup(ctx context.Context) error {
	if n, err := d.Store.MarkAllWorkersOffline(ctx); err != nil {
		return err
	} else if n > 0 {
		d.logger.Info().Int("workers", n).Msg("startup: marked workers offline")
	}
	if n, err := d.Store.ResetAssignedToPending(ctx); err != nil {
		return err
	} else if n > 0 {
		d.logger.Info().Int("assignments", n).Msg("startup: reverted assigned offers to pending")
	}

	if d.Journal != nil {
		entries, err := d.Journal.Snapshot()
		if err != nil {
			return err
		}
		for _, p := range entries {
			a, err := d.Store.ActiveAssignmentByJob(ctx, p.JobID)
			if err != nil {
				_ = d.Journal.Delete(p.JobID)
				continue
			}
			if a.Status != model.AssignmentEncoding || p.AtUnix <= a.LastProgressUnix {
				continue
			}
			_, err = d.Store.UpdateAssignment(ctx, a.ID, func(ua *model.EncoderAssignment) error {
				ua.Progress = p.Pct
				ua.LastProgressUnix = p.AtUnix
				return nil
			})
			if err != nil && !errors.Is(err, store.ErrConflict) {
				return err
			}
		}
	}
	return nil
}

// Run drives the scheduling loop until ctx is cancelled. Sweeps (acceptance,
// stall, heartbeat, progress flush) run on the shared scheduler, not here.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.closeAll()
			return ctx.Err()
		case <-d.kick:
		case <-ticker.C:
		}
		if err := d.schedule(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error().Err(err).Msg("scheduling pass failed")
		}
	}
}

// Kick requests a scheduling pass without blocking.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Enqueue creates (or reuses) an assignment for an encode job and triggers
// scheduling. An existing non-terminal assignment with the same input path is
// reused so duplicate submissions collapse.
func (d *Dispatcher) Enqueue(ctx context.Context, jobID, inputPath, outputPath string, config map[string]any) (*model.EncoderAssignment, error) {
	if a, err := d.Store.ActiveAssignmentByInput(ctx, inputPath); err == nil {
		d.logger.Info().
			Str(log.FieldJobID, a.JobID).
			Str(log.FieldInputPath, inputPath).
			Msg("reusing active assignment for input")
		return a, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	a := &model.EncoderAssignment{
		ID:          newID(),
		JobID:       jobID,
		Status:      model.AssignmentPending,
		InputPath:   inputPath,
		OutputPath:  outputPath,
		Config:      config,
		Attempt:     1,
		MaxAttempts: d.Conf.DefaultMaxAttempts,
	}
	if err := d.Store.CreateAssignment(ctx, a); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return d.Store.ActiveAssignmentByJob(ctx, jobID)
		}
		return nil, err
	}
	d.Kick()
	return a, nil
}

// CancelJob aborts the active assignment of a job. The worker is told to stop;
// the assignment goes terminal immediately.
func (d *Dispatcher) CancelJob(ctx context.Context, jobID string) error {
	a, err := d.Store.ActiveAssignmentByJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if a.EncoderID != "" {
		if c := d.connFor(a.EncoderID); c != nil {
			_ = c.send(Frame{Type: FrameCancel, JobID: jobID})
		}
	}

	_, err = d.Store.UpdateAssignment(ctx, a.ID, func(ua *model.EncoderAssignment) error {
		ua.Status = model.AssignmentFailed
		ua.Error = "cancelled"
		ua.CompletedAtUnix = time.Now().Unix()
		return nil
	})
	if errors.Is(err, store.ErrConflict) {
		return nil // lost the race against a terminal transition
	}
	if err == nil {
		d.releaseSlot(ctx, a.EncoderID)
		if d.Journal != nil {
			_ = d.Journal.Delete(jobID)
		}
	}
	return err
}

// schedule matches PENDING assignments to eligible workers, earliest first,
// until capacity is exhausted.
func (d *Dispatcher) schedule(ctx context.Context) error {
	pending, err := d.Store.ListAssignmentsByStatus(ctx, model.AssignmentPending)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	workers, err := d.Store.ListWorkers(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	// Mutable snapshot of free slots for this pass.
	free := make(map[string]*model.EncoderWorker)
	for _, w := range workers {
		if w.Status == model.WorkerOffline || w.Blocked(now) || w.FreeSlots() == 0 {
			continue
		}
		if d.connFor(w.ID) == nil {
			continue // persisted as online but socket is gone; heartbeat sweep will catch it
		}
		free[w.ID] = w
	}
	if len(free) == 0 {
		return nil
	}

	for _, a := range pending {
		w := pickWorker(free, d.pathMapFor, a.InputPath)
		if w == nil {
			continue
		}
		if err := d.offer(ctx, a, w); err != nil {
			d.logger.Warn().Err(err).
				Str(log.FieldJobID, a.JobID).
				Str(log.FieldEncoderID, w.ID).
				Msg("offer failed")
			continue
		}
		w.CurrentJobs++
		if w.FreeSlots() == 0 {
			delete(free, w.ID)
		}
		if len(free) == 0 {
			return nil
		}
	}
	return nil
}

// pickWorker selects the eligible worker with maximal headroom that can reach
// the input. Ties break on lowest currentJobs, then lowest encoder id.
func pickWorker(free map[string]*model.EncoderWorker, maps func(string) PathMap, inputPath string) *model.EncoderWorker {
	var best *model.EncoderWorker
	for _, w := range free {
		if !maps(w.ID).CanReach(inputPath) {
			continue
		}
		if best == nil {
			best = w
			continue
		}
		switch {
		case w.FreeSlots() > best.FreeSlots():
			best = w
		case w.FreeSlots() == best.FreeSlots() && w.CurrentJobs < best.CurrentJobs:
			best = w
		case w.FreeSlots() == best.FreeSlots() && w.CurrentJobs == best.CurrentJobs && w.ID < best.ID:
			best = w
		}
	}
	return best
}

func (d *Dispatcher) offer(ctx context.Context, a *model.EncoderAssignment, w *model.EncoderWorker) error {
	c := d.connFor(w.ID)
	if c == nil {
		return errors.New("worker connection gone")
	}

	now := time.Now().Unix()
	updated, err := d.Store.UpdateAssignment(ctx, a.ID, func(ua *model.EncoderAssignment) error {
		if ua.Status != model.AssignmentPending {
			return store.ErrConflict
		}
		ua.Status = model.AssignmentAssigned
		ua.EncoderID = w.ID
		ua.SentAtUnix = now
		return nil
	})
	if err != nil {
		return err
	}

	if _, err := d.Store.UpdateWorker(ctx, w.ID, func(uw *model.EncoderWorker) error {
		uw.CurrentJobs++
		uw.Status = model.WorkerEncoding
		return nil
	}); err != nil {
		return err
	}

	pm := d.pathMapFor(w.ID)
	frame := Frame{
		Type:  FrameOffer,
		JobID: updated.JobID,
		Payload: mustMarshal(OfferPayload{
			InputPath:  pm.ToEncoder(updated.InputPath),
			OutputPath: pm.ToEncoder(updated.OutputPath),
			Config:     updated.Config,
		}),
	}
	if err := c.send(frame); err != nil {
		// Socket refused the frame: undo the claim and cool the worker off.
		d.requeueAssignment(ctx, updated.ID, "offer_send_failed", false)
		d.blockWorker(ctx, w.ID)
		d.releaseSlot(ctx, w.ID)
		return err
	}

	d.logger.Info().
		Str(log.FieldJobID, updated.JobID).
		Str(log.FieldEncoderID, w.ID).
		Int("attempt", updated.Attempt).
		Msg("job offered")
	return nil
}

// requeueAssignment reverts a non-terminal assignment to PENDING.
// consumeAttempt increments the attempt counter and fails the assignment when
// attempts are exhausted.
func (d *Dispatcher) requeueAssignment(ctx context.Context, id, cause string, consumeAttempt bool) {
	exhausted := false
	a, err := d.Store.UpdateAssignment(ctx, id, func(ua *model.EncoderAssignment) error {
		if ua.Status.IsTerminal() {
			return store.ErrConflict
		}
		if consumeAttempt {
			ua.Attempt++
			if ua.Attempt > ua.MaxAttempts {
				exhausted = true
				ua.Status = model.AssignmentFailed
				ua.Error = "max attempts exceeded: " + cause
				ua.CompletedAtUnix = time.Now().Unix()
				return nil
			}
		}
		ua.Status = model.AssignmentPending
		ua.EncoderID = ""
		ua.SentAtUnix = 0
		ua.StartedAtUnix = 0
		ua.Progress = 0
		ua.LastProgressUnix = 0
		return nil
	})
	if err != nil {
		if !errors.Is(err, store.ErrConflict) {
			d.logger.Error().Err(err).Str("assignment", id).Msg("requeue failed")
		}
		return
	}

	metrics.AssignmentRequeueTotal.WithLabelValues(cause).Inc()
	if exhausted {
		metrics.AssignmentOutcomeTotal.WithLabelValues("failed").Inc()
		if d.Journal != nil {
			_ = d.Journal.Delete(a.JobID)
		}
		if d.Events != nil {
			d.Events.EncodeFailed(ctx, a.JobID, a.Error)
		}
		return
	}
	d.Kick()
}

func (d *Dispatcher) blockWorker(ctx context.Context, id string) {
	if id == "" {
		return
	}
	until := time.Now().Add(d.Conf.ShortBlock).Unix()
	_, err := d.Store.UpdateWorker(ctx, id, func(w *model.EncoderWorker) error {
		w.BlockedUntilUnix = until
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		d.logger.Error().Err(err).Str(log.FieldEncoderID, id).Msg("block worker failed")
	}
}

// releaseSlot frees one capacity slot on a worker after its job left the
// ENCODING/ASSIGNED state.
func (d *Dispatcher) releaseSlot(ctx context.Context, id string) {
	if id == "" {
		return
	}
	_, err := d.Store.UpdateWorker(ctx, id, func(w *model.EncoderWorker) error {
		if w.CurrentJobs > 0 {
			w.CurrentJobs--
		}
		if w.CurrentJobs == 0 && w.Status == model.WorkerEncoding {
			w.Status = model.WorkerIdle
		}
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		d.logger.Error().Err(err).Str(log.FieldEncoderID, id).Msg("release slot failed")
	}
	d.Kick()
}

func (d *Dispatcher) connFor(encoderID string) *conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[encoderID]
}

func (d *Dispatcher) pathMapFor(encoderID string) PathMap {
	if mappings, ok := d.Conf.PathMaps[encoderID]; ok {
		return NewPathMap(mappings)
	}
	return nil
}

func (d *Dispatcher) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		c.close()
	}
	d.conns = make(map[string]*conn)
}
