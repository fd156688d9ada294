// SPDX-License-Identifier: MIT

package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/voslund/fetchd/internal/log"
	"github.com/voslund/fetchd/internal/model"
	"github.com/voslund/fetchd/internal/store"
)

// AcceptanceSweep reverts ASSIGNED offers that were not accepted within the
// acceptance window. The unresponsive worker is cooled off; the attempt
// counter is untouched.
func (d *Dispatcher) AcceptanceSweep(ctx context.Context) error {
	assigned, err := d.Store.ListAssignmentsByStatus(ctx, model.AssignmentAssigned)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-d.Conf.AssignedTimeout).Unix()
	for _, a := range assigned {
		if a.SentAtUnix == 0 || a.SentAtUnix > cutoff {
			continue
		}
		d.logger.Warn().
			Str(log.FieldJobID, a.JobID).
			Str(log.FieldEncoderID, a.EncoderID).
			Msg("acceptance window expired, requeueing")
		encoderID := a.EncoderID
		d.requeueAssignment(ctx, a.ID, "accept_timeout", false)
		d.blockWorker(ctx, encoderID)
		d.releaseSlot(ctx, encoderID)
	}
	return nil
}

// StallSweep requeues ENCODING jobs without progress past the stall timeout.
// A job that produced progress consumes an attempt; one that never started
// producing requeues for free.
func (d *Dispatcher) StallSweep(ctx context.Context) error {
	encoding, err := d.Store.ListAssignmentsByStatus(ctx, model.AssignmentEncoding)
	if err != nil {
		return err
	}

	now := time.Now()
	cutoff := now.Add(-d.Conf.StallTimeout).Unix()
	for _, a := range encoding {
		last := a.LastProgressUnix
		progress := a.Progress
		if d.Journal != nil {
			if p, err := d.Journal.Get(a.JobID); err == nil {
				if p.AtUnix > last {
					last = p.AtUnix
				}
				if p.Pct > progress {
					progress = p.Pct
				}
			}
		}
		if last == 0 {
			last = a.StartedAtUnix
		}
		if last > cutoff {
			continue
		}

		encoderID := a.EncoderID
		d.logger.Warn().
			Str(log.FieldJobID, a.JobID).
			Str(log.FieldEncoderID, encoderID).
			Float64("progress", progress).
			Msg("encode stalled, requeueing")
		d.requeueAssignment(ctx, a.ID, "stall", progress > 0)
		d.releaseSlot(ctx, encoderID)
	}
	return nil
}

// HeartbeatSweep marks workers OFFLINE when their heartbeat is overdue and
// requeues whatever they held. The socket, if any, is closed so the read loop
// unwinds.
func (d *Dispatcher) HeartbeatSweep(ctx context.Context) error {
	workers, err := d.Store.ListWorkers(ctx)
	if err != nil {
		return err
	}

	threshold := d.Conf.HeartbeatInterval * time.Duration(d.Conf.HeartbeatMisses)
	cutoff := time.Now().Add(-threshold).Unix()
	for _, w := range workers {
		if w.Status == model.WorkerOffline || w.LastHeartbeatUnix > cutoff {
			continue
		}

		d.logger.Warn().
			Str(log.FieldEncoderID, w.ID).
			Time("last_heartbeat", time.Unix(w.LastHeartbeatUnix, 0)).
			Msg("worker heartbeat overdue")

		if c := d.connFor(w.ID); c != nil {
			// Closing unwinds the read loop, which runs the disconnect path.
			c.close()
			continue
		}

		// No socket: apply the disconnect consequences directly.
		if _, err := d.Store.UpdateWorker(ctx, w.ID, func(uw *model.EncoderWorker) error {
			uw.Status = model.WorkerOffline
			uw.CurrentJobs = 0
			return nil
		}); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		held, err := d.Store.ListActiveAssignmentsByEncoder(ctx, w.ID)
		if err != nil {
			return err
		}
		for _, a := range held {
			d.requeueAssignment(ctx, a.ID, "heartbeat", true)
		}
	}
	return nil
}

// FlushProgress persists the journaled progress of ENCODING assignments to
// the state store. Runs on a slow tick; transition handlers do not copy
// journaled progress.
func (d *Dispatcher) FlushProgress(ctx context.Context) error {
	if d.Journal == nil {
		return nil
	}
	entries, err := d.Journal.Snapshot()
	if err != nil {
		return err
	}
	for _, p := range entries {
		a, err := d.Store.ActiveAssignmentByJob(ctx, p.JobID)
		if errors.Is(err, store.ErrNotFound) {
			_ = d.Journal.Delete(p.JobID)
			continue
		}
		if err != nil {
			return err
		}
		if a.Status != model.AssignmentEncoding || p.AtUnix <= a.LastProgressUnix {
			continue
		}
		if _, err := d.Store.UpdateAssignment(ctx, a.ID, func(ua *model.EncoderAssignment) error {
			ua.Progress = p.Pct
			ua.LastProgressUnix = p.AtUnix
			return nil
		}); err != nil && !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return nil
}
