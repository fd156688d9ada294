// SPDX-License-Identifier: MIT

// Package recovery repairs items stranded by crashes. The sweepers are the
// only authority allowed to shortcut the item state machine, and every repair
// is idempotent: running a sweep twice is the same as running it once.
package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/voslund/fetchd/internal/adapters"
	"github.com/voslund/fetchd/internal/log"
	"github.com/voslund/fetchd/internal/metrics"
	"github.com/voslund/fetchd/internal/model"
	"github.com/voslund/fetchd/internal/pipeline"
	"github.com/voslund/fetchd/internal/store"
)

// stuckAfter is how long an item may sit in a transitional state before the
// sweeps consider it stranded.
const stuckAfter = 5 * time.Minute

// Sweeper owns the periodic repair passes.
type Sweeper struct {
	Store   store.StateStore
	Engine  *pipeline.Engine
	Targets map[string]adapters.DeliveryTarget

	logger zerolog.Logger
	now    func() time.Time
}

// NewSweeper builds a sweeper over the shared store and engine.
func NewSweeper(st store.StateStore, eng *pipeline.Engine, targets map[string]adapters.DeliveryTarget) *Sweeper {
	return &Sweeper{
		Store:   st,
		Engine:  eng,
		Targets: targets,
		logger:  log.WithComponent("recovery"),
		now:     time.Now,
	}
}

// Run executes every repair pass once. Registered as one scheduler task.
func (s *Sweeper) Run(ctx context.Context) error {
	passes := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"cooldown_promotion", s.PromoteCooldowns},
		{"found_without_download", s.RepairFoundWithoutDownload},
		{"downloads_stuck_complete", s.RepairStuckDownloading},
		{"season_linkage", s.RepairSeasonLinkage},
		{"stuck_encoding", s.RepairStuckEncoding},
		{"stuck_delivery", s.RepairStuckDelivery},
	}
	for _, p := range passes {
		if err := p.fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Str("pass", p.name).Msg("recovery pass failed")
		}
	}
	return ctx.Err()
}

// PromoteCooldowns resumes executions whose DISCOVERED wait window elapsed.
func (s *Sweeper) PromoteCooldowns(ctx context.Context) error {
	items, err := s.Store.ListItemsByStatus(ctx, model.ItemDiscovered)
	if err != nil {
		return err
	}
	now := s.now().Unix()
	for _, it := range items {
		if it.CooldownEndsUnix == 0 || it.CooldownEndsUnix > now {
			continue
		}
		itemID := it.ID
		s.Engine.ResumeWaiting(ctx, model.PauseAwaitingCooldown, func(c *model.Context) bool {
			return c != nil && (c.ItemID == itemID || c.RequestID == it.RequestID)
		})
		metrics.RecoveryRepairTotal.WithLabelValues("cooldown_promotion").Inc()
	}
	return nil
}

// RepairFoundWithoutDownload reverts items sitting in FOUND with no download
// id past the stuck window, so the search/download can rerun cleanly.
func (s *Sweeper) RepairFoundWithoutDownload(ctx context.Context) error {
	items, err := s.Store.ListItemsByStatus(ctx, model.ItemFound)
	if err != nil {
		return err
	}
	cutoff := s.now().Add(-stuckAfter).Unix()
	for _, it := range items {
		if it.DownloadID != "" || it.UpdatedAtUnix > cutoff {
			continue
		}
		if err := s.revertToPending(ctx, it.ID, "found_without_download"); err != nil {
			return err
		}
	}
	return nil
}

// RepairStuckDownloading reverts items whose download reached 100% but whose
// transition never landed, back to PENDING with the download link cleared, so
// the search and download steps can run again.
func (s *Sweeper) RepairStuckDownloading(ctx context.Context) error {
	items, err := s.Store.ListItemsByStatus(ctx, model.ItemDownloading)
	if err != nil {
		return err
	}
	cutoff := s.now().Add(-stuckAfter).Unix()
	for _, it := range items {
		if it.Progress < 100 || it.UpdatedAtUnix > cutoff {
			continue
		}
		if err := s.revertToPending(ctx, it.ID, "downloads_stuck_complete"); err != nil {
			return err
		}
	}
	return nil
}

// RepairSeasonLinkage adopts an existing season download onto episodes of the
// same (request, season) that missed the linkage.
func (s *Sweeper) RepairSeasonLinkage(ctx context.Context) error {
	type key struct {
		requestID string
		season    int
	}

	linked := map[key]string{}
	collect := func(status model.ItemStatus) ([]*model.ProcessingItem, error) {
		return s.Store.ListItemsByStatus(ctx, status)
	}

	for _, status := range []model.ItemStatus{model.ItemDownloading, model.ItemDownloaded} {
		items, err := collect(status)
		if err != nil {
			return err
		}
		for _, it := range items {
			if it.Type == model.ItemEpisode && it.DownloadID != "" {
				linked[key{it.RequestID, it.Season}] = it.DownloadID
			}
		}
	}
	if len(linked) == 0 {
		return nil
	}

	for _, status := range []model.ItemStatus{model.ItemFound, model.ItemDiscovered, model.ItemSearching} {
		items, err := collect(status)
		if err != nil {
			return err
		}
		for _, it := range items {
			if it.Type != model.ItemEpisode || it.DownloadID != "" {
				continue
			}
			downloadID, ok := linked[key{it.RequestID, it.Season}]
			if !ok {
				continue
			}
			_, err := s.Store.UpdateItem(ctx, it.ID, func(item *model.ProcessingItem) error {
				if item.DownloadID != "" || item.Status.IsTerminal() {
					return store.ErrConflict
				}
				item.DownloadID = downloadID
				item.Status = model.ItemDownloading
				return nil
			})
			if err != nil && !errors.Is(err, store.ErrConflict) {
				return err
			}
			if err == nil {
				metrics.RecoveryRepairTotal.WithLabelValues("season_linkage").Inc()
				s.logger.Info().
					Str(log.FieldItemID, it.ID).
					Str(log.FieldDownloadID, downloadID).
					Msg("adopted season download onto unlinked episode")
			}
		}
	}
	return nil
}

// RepairStuckEncoding re-injects results for items whose assignment finished
// while the completion event was lost (crash between COMPLETED and the item
// transition). FAILED assignments leave the item for manual retry.
func (s *Sweeper) RepairStuckEncoding(ctx context.Context) error {
	items, err := s.Store.ListItemsByStatus(ctx, model.ItemEncoding)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	completed, err := s.Store.ListAssignmentsByStatus(ctx, model.AssignmentCompleted)
	if err != nil {
		return err
	}
	byJob := make(map[string]*model.EncoderAssignment, len(completed))
	for _, a := range completed {
		byJob[a.JobID] = a
	}

	for _, it := range items {
		a, ok := byJob[it.EncodingJobID]
		if !ok {
			continue
		}
		itemID := it.ID
		_, err := pipeline.TransitionItem(ctx, s.Store, it.ID, model.ItemEncoded, func(item *model.ProcessingItem) {
			if item.StepContext == nil {
				item.StepContext = map[string]string{}
			}
			item.StepContext["encoded_file"] = a.OutputPath
		})
		if err != nil && !errors.Is(err, store.ErrConflict) {
			s.logger.Error().Err(err).Str(log.FieldItemID, it.ID).Msg("encode re-injection failed")
			continue
		}
		metrics.RecoveryRepairTotal.WithLabelValues("stuck_encoding").Inc()
		s.Engine.ResumeWaiting(ctx, model.PauseAwaitingEncode, func(c *model.Context) bool {
			return c != nil && c.ItemID == itemID
		})
	}
	return nil
}

// RepairStuckDelivery completes items whose artifact already reached the
// target storage, and fails deliveries with no progress past the window.
func (s *Sweeper) RepairStuckDelivery(ctx context.Context) error {
	items, err := s.Store.ListItemsByStatus(ctx, model.ItemDelivering)
	if err != nil {
		return err
	}
	cutoff := s.now().Add(-stuckAfter).Unix()

	for _, it := range items {
		file := it.StepContext["encoded_file"]
		if file != "" && s.deliveredEverywhere(ctx, it, file) {
			_, err := pipeline.TransitionItem(ctx, s.Store, it.ID, model.ItemCompleted, nil)
			if err != nil && !errors.Is(err, store.ErrConflict) {
				return err
			}
			if err == nil {
				metrics.RecoveryRepairTotal.WithLabelValues("stuck_delivery_completed").Inc()
				_ = pipeline.SyncRequestFromItems(ctx, s.Store, it.RequestID)
			}
			continue
		}
		if it.UpdatedAtUnix <= cutoff {
			pipeline.FailItem(ctx, s.Store, it.ID, "delivery made no progress")
			metrics.RecoveryRepairTotal.WithLabelValues("stuck_delivery_failed").Inc()
			_ = pipeline.SyncRequestFromItems(ctx, s.Store, it.RequestID)
		}
	}
	return nil
}

func (s *Sweeper) deliveredEverywhere(ctx context.Context, it *model.ProcessingItem, file string) bool {
	req, err := s.Store.GetRequest(ctx, it.RequestID)
	if err != nil || len(req.Targets) == 0 {
		return false
	}
	for _, name := range req.Targets {
		target, ok := s.Targets[name]
		if !ok {
			return false
		}
		// Checks the base name at the target root, where the deliver step writes
		// with its default remoteDir "/"; files delivered under another remoteDir
		// are not found here.
		ok, err := target.Exists(ctx, "/"+baseName(file))
		if err != nil || !ok {
			return false
		}
	}
	return true
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

// revertToPending shortcuts the state machine for crash repair: a direct
// UpdateItem, not TransitionItem, because these edges are not in the table.
func (s *Sweeper) revertToPending(ctx context.Context, itemID, rule string) error {
	_, err := s.Store.UpdateItem(ctx, itemID, func(item *model.ProcessingItem) error {
		if item.Status.IsTerminal() {
			return store.ErrConflict
		}
		item.Status = model.ItemPending
		item.Progress = 0
		item.DownloadID = ""
		item.CooldownEndsUnix = 0
		return nil
	})
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	metrics.RecoveryRepairTotal.WithLabelValues(rule).Inc()
	s.logger.Info().Str(log.FieldItemID, itemID).Str("rule", rule).Msg("item reverted to pending")
	return nil
}
