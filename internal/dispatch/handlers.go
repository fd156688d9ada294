// SPDX-License-Identifier: MIT

package dispatch

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voslund/fetchd/internal/journal"
	"github.com/voslund/fetchd/internal/log"
	"github.com/voslund/fetchd/internal/metrics"
	"github.com/voslund/fetchd/internal/model"
	"github.com/voslund/fetchd/internal/store"
)

func newID() string { return uuid.New().String() }

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Workers connect from arbitrary hosts; auth is the bearer token.
	CheckOrigin: func(*http.Request) bool { return true },
}

// HandleWS upgrades a worker connection and runs its read loop until the
// socket drops. The peer is unidentified until it sends HELLO.
func (d *Dispatcher) HandleWS(w http.ResponseWriter, r *http.Request) {
	if d.Conf.AuthToken != "" {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(d.Conf.AuthToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	ws.SetReadLimit(maxMessageSize)

	c := newConn(ws)
	go c.writeLoop()
	d.serveConn(r.Context(), c)
}

func (d *Dispatcher) serveConn(ctx context.Context, c *conn) {
	defer c.close()

	readTimeout := d.Conf.HeartbeatInterval * time.Duration(d.Conf.HeartbeatMisses)

	// First frame must identify the peer.
	_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	first, err := c.readFrame()
	if err != nil {
		d.logger.Warn().Err(err).Msg("connection dropped before HELLO")
		return
	}
	if first.Type != FrameHello || first.EncoderID == "" {
		d.logger.Warn().Str("type", string(first.Type)).Msg("expected HELLO as first frame")
		return
	}
	if err := d.handleHello(ctx, c, first); err != nil {
		d.logger.Error().Err(err).Str(log.FieldEncoderID, first.EncoderID).Msg("HELLO rejected")
		return
	}

	defer d.onDisconnect(ctx, c)

	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		f, err := c.readFrame()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				d.logger.Info().Err(err).Str(log.FieldEncoderID, c.encoderID).Msg("worker connection lost")
			}
			return
		}
		d.handleFrame(ctx, c, f)
	}
}

func (d *Dispatcher) handleHello(ctx context.Context, c *conn, f *Frame) error {
	var hello HelloPayload
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &hello); err != nil {
			return err
		}
	}
	if hello.MaxConcurrent <= 0 {
		hello.MaxConcurrent = d.Conf.DefaultMaxConcurrent
	}

	c.encoderID = f.EncoderID
	c.paths = d.pathMapFor(f.EncoderID)

	// A reconnect replaces the previous socket for this worker.
	d.mu.Lock()
	if old, ok := d.conns[f.EncoderID]; ok && old != c {
		old.close()
	}
	d.conns[f.EncoderID] = c
	d.mu.Unlock()

	now := time.Now().Unix()
	status := model.WorkerIdle
	if hello.CurrentJobs > 0 {
		status = model.WorkerEncoding
	}
	w := &model.EncoderWorker{
		ID:                f.EncoderID,
		Status:            status,
		CurrentJobs:       hello.CurrentJobs,
		MaxConcurrent:     hello.MaxConcurrent,
		LastHeartbeatUnix: now,
		Capabilities:      hello.Capabilities,
	}
	if err := d.Store.PutWorker(ctx, w); err != nil {
		return err
	}

	d.refreshWorkerGauge(ctx)
	d.logger.Info().
		Str(log.FieldEncoderID, f.EncoderID).
		Int("max_concurrent", hello.MaxConcurrent).
		Strs("capabilities", hello.Capabilities).
		Msg("worker connected")

	d.Kick()
	return nil
}

func (d *Dispatcher) handleFrame(ctx context.Context, c *conn, f *Frame) {
	switch f.Type {
	case FrameHeartbeat:
		d.touchHeartbeat(ctx, c.encoderID)
	case FrameAccept:
		d.handleAccept(ctx, c, f)
	case FrameReject:
		d.handleReject(ctx, c, f)
	case FrameProgress:
		d.handleProgress(ctx, c, f)
	case FrameCompleted:
		d.handleCompleted(ctx, c, f)
	case FrameFailed:
		d.handleFailed(ctx, c, f)
	default:
		// Unknown frame types are ignored for forward compatibility.
		d.logger.Debug().Str("type", string(f.Type)).Msg("ignoring unknown frame")
	}
}

func (d *Dispatcher) touchHeartbeat(ctx context.Context, encoderID string) {
	_, err := d.Store.UpdateWorker(ctx, encoderID, func(w *model.EncoderWorker) error {
		w.LastHeartbeatUnix = time.Now().Unix()
		if w.Status == model.WorkerOffline {
			w.Status = model.WorkerIdle
		}
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		d.logger.Error().Err(err).Str(log.FieldEncoderID, encoderID).Msg("heartbeat update failed")
	}
}

func (d *Dispatcher) handleAccept(ctx context.Context, c *conn, f *Frame) {
	now := time.Now().Unix()
	a, err := d.Store.ActiveAssignmentByJob(ctx, f.JobID)
	if err != nil {
		d.logger.Warn().Err(err).Str(log.FieldJobID, f.JobID).Msg("ACCEPT for unknown job")
		return
	}
	if a.EncoderID != c.encoderID {
		d.logger.Warn().
			Str(log.FieldJobID, f.JobID).
			Str(log.FieldEncoderID, c.encoderID).
			Str("assigned_to", a.EncoderID).
			Msg("ACCEPT from wrong worker")
		return
	}

	_, err = d.Store.UpdateAssignment(ctx, a.ID, func(ua *model.EncoderAssignment) error {
		if ua.Status != model.AssignmentAssigned {
			return store.ErrConflict
		}
		ua.Status = model.AssignmentEncoding
		ua.StartedAtUnix = now
		ua.LastProgressUnix = now
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		d.logger.Error().Err(err).Str(log.FieldJobID, f.JobID).Msg("ACCEPT transition failed")
	}
}

func (d *Dispatcher) handleReject(ctx context.Context, c *conn, f *Frame) {
	var rej RejectPayload
	if len(f.Payload) > 0 {
		_ = json.Unmarshal(f.Payload, &rej)
	}

	a, err := d.Store.ActiveAssignmentByJob(ctx, f.JobID)
	if err != nil {
		return
	}
	if a.EncoderID != c.encoderID {
		return
	}

	// Capacity rejections never consume an attempt; the worker cools off and
	// the job returns to the queue.
	d.logger.Info().
		Str(log.FieldJobID, f.JobID).
		Str(log.FieldEncoderID, c.encoderID).
		Str(log.FieldReason, rej.Reason).
		Msg("offer rejected")
	d.requeueAssignment(ctx, a.ID, "capacity", false)
	d.blockWorker(ctx, c.encoderID)
	d.releaseSlot(ctx, c.encoderID)
}

func (d *Dispatcher) handleProgress(_ context.Context, c *conn, f *Frame) {
	var p ProgressPayload
	if len(f.Payload) > 0 {
		_ = json.Unmarshal(f.Payload, &p)
	}
	metrics.EncodeProgressFrames.Inc()
	if d.Journal == nil {
		return
	}
	if err := d.Journal.Record(journal.Progress{
		JobID:      f.JobID,
		Pct:        p.Pct,
		ETASeconds: p.ETASeconds,
		AtUnix:     time.Now().Unix(),
	}); err != nil {
		d.logger.Error().Err(err).Str(log.FieldJobID, f.JobID).Msg("progress journal write failed")
	}
}

func (d *Dispatcher) handleCompleted(ctx context.Context, c *conn, f *Frame) {
	var done CompletedPayload
	if len(f.Payload) > 0 {
		_ = json.Unmarshal(f.Payload, &done)
	}

	a, err := d.Store.ActiveAssignmentByJob(ctx, f.JobID)
	if err != nil {
		// Possibly a duplicate COMPLETED after recovery already applied it.
		d.logger.Info().Str(log.FieldJobID, f.JobID).Msg("COMPLETED for inactive job ignored")
		return
	}

	serverPath := c.paths.ToServer(done.OutputPath)
	now := time.Now()
	updated, err := d.Store.UpdateAssignment(ctx, a.ID, func(ua *model.EncoderAssignment) error {
		if ua.Status.IsTerminal() {
			return store.ErrConflict
		}
		ua.Status = model.AssignmentCompleted
		ua.OutputPath = serverPath
		ua.OutputSize = done.Size
		ua.CompressionRatio = done.CompressionRatio
		ua.EncodeDurationMs = done.DurationMs
		ua.Progress = 100
		ua.CompletedAtUnix = now.Unix()
		return nil
	})
	if errors.Is(err, store.ErrConflict) {
		return
	}
	if err != nil {
		d.logger.Error().Err(err).Str(log.FieldJobID, f.JobID).Msg("COMPLETED transition failed")
		return
	}

	metrics.AssignmentOutcomeTotal.WithLabelValues("completed").Inc()
	d.logger.Info().
		Str(log.FieldJobID, f.JobID).
		Str(log.FieldEncoderID, c.encoderID).
		Str(log.FieldOutputPath, serverPath).
		Int64("size", done.Size).
		Msg("encode completed")

	d.releaseSlot(ctx, updated.EncoderID)
	if d.Journal != nil {
		_ = d.Journal.Delete(f.JobID)
	}
	if d.Events != nil {
		d.Events.EncodeCompleted(ctx, f.JobID, EncodeResult{
			OutputPath:       serverPath,
			Size:             done.Size,
			CompressionRatio: done.CompressionRatio,
			DurationMs:       done.DurationMs,
		})
	}
}

func (d *Dispatcher) handleFailed(ctx context.Context, c *conn, f *Frame) {
	var failed FailedPayload
	if len(f.Payload) > 0 {
		_ = json.Unmarshal(f.Payload, &failed)
	}

	a, err := d.Store.ActiveAssignmentByJob(ctx, f.JobID)
	if err != nil {
		return
	}

	d.logger.Warn().
		Str(log.FieldJobID, f.JobID).
		Str(log.FieldEncoderID, c.encoderID).
		Str("error", failed.Error).
		Msg("encode failed on worker")

	d.requeueAssignment(ctx, a.ID, "worker_failure", true)
	d.releaseSlot(ctx, a.EncoderID)
}

// onDisconnect marks the worker OFFLINE and revives every non-terminal
// assignment it held: attempt increments, exhausted jobs fail.
func (d *Dispatcher) onDisconnect(ctx context.Context, c *conn) {
	if c.encoderID == "" {
		return
	}

	d.mu.Lock()
	if d.conns[c.encoderID] == c {
		delete(d.conns, c.encoderID)
	} else {
		// A newer connection already replaced this one; it owns the worker.
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	_, err := d.Store.UpdateWorker(ctx, c.encoderID, func(w *model.EncoderWorker) error {
		w.Status = model.WorkerOffline
		w.CurrentJobs = 0
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		d.logger.Error().Err(err).Str(log.FieldEncoderID, c.encoderID).Msg("offline transition failed")
	}

	held, err := d.Store.ListActiveAssignmentsByEncoder(ctx, c.encoderID)
	if err != nil {
		d.logger.Error().Err(err).Str(log.FieldEncoderID, c.encoderID).Msg("listing held assignments failed")
		return
	}
	for _, a := range held {
		d.requeueAssignment(ctx, a.ID, "disconnect", true)
	}

	d.refreshWorkerGauge(ctx)
	d.logger.Info().
		Str(log.FieldEncoderID, c.encoderID).
		Int("requeued", len(held)).
		Msg("worker disconnected")
	d.Kick()
}

// refreshWorkerGauge recomputes the per-status worker gauge from the store so
// reconnect churn cannot drift it.
func (d *Dispatcher) refreshWorkerGauge(ctx context.Context) {
	workers, err := d.Store.ListWorkers(ctx)
	if err != nil {
		return
	}
	counts := map[model.WorkerStatus]int{}
	for _, w := range workers {
		counts[w.Status]++
	}
	for _, status := range []model.WorkerStatus{model.WorkerIdle, model.WorkerEncoding, model.WorkerOffline} {
		metrics.EncoderWorkersGauge.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
