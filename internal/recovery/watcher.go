// SPDX-License-Identifier: MIT

package recovery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/voslund/fetchd/internal/adapters"
	"github.com/voslund/fetchd/internal/log"
	"github.com/voslund/fetchd/internal/model"
	"github.com/voslund/fetchd/internal/normalize"
	"github.com/voslund/fetchd/internal/pipeline"
	"github.com/voslund/fetchd/internal/store"
)

// DownloadWatcher polls the download client for the active downloads and
// drives the persistence-driven handoff: when a torrent finishes, the linked
// items move to DOWNLOADED with their source file resolved, and the paused
// executions resume.
type DownloadWatcher struct {
	Store  store.StateStore
	Engine *pipeline.Engine
	Client adapters.DownloadClient

	logger zerolog.Logger
}

// NewDownloadWatcher builds a watcher over the shared collaborators.
func NewDownloadWatcher(st store.StateStore, eng *pipeline.Engine, client adapters.DownloadClient) *DownloadWatcher {
	return &DownloadWatcher{
		Store:  st,
		Engine: eng,
		Client: client,
		logger: log.WithComponent("download-watcher"),
	}
}

// Run performs one poll pass. Registered as a scheduler task.
func (w *DownloadWatcher) Run(ctx context.Context) error {
	downloads, err := w.Store.ListDownloads(ctx)
	if err != nil {
		return err
	}

	for _, d := range downloads {
		switch d.Status {
		case model.DownloadQueued, model.DownloadActive:
		default:
			continue
		}
		if err := w.observe(ctx, d); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error().Err(err).Str(log.FieldDownloadID, d.ID).Msg("download observation failed")
		}
	}
	return ctx.Err()
}

func (w *DownloadWatcher) observe(ctx context.Context, d *model.Download) error {
	state, err := w.Client.Status(ctx, d.TorrentHash)
	if err != nil {
		return fmt.Errorf("client status for %s: %w", d.TorrentHash, err)
	}

	_, err = w.Store.UpdateDownload(ctx, d.ID, func(dl *model.Download) error {
		dl.Progress = state.Progress
		if state.ContentPath != "" {
			dl.ContentPath = state.ContentPath
		}
		if state.Size > 0 {
			dl.Size = state.Size
		}
		if state.Done && dl.Status != model.DownloadCompleted {
			dl.Status = model.DownloadCompleted
			dl.CompletedAtUnix = time.Now().Unix()
		}
		return nil
	})
	if err != nil {
		return err
	}

	items, err := w.itemsForDownload(ctx, d.ID)
	if err != nil {
		return err
	}

	if !state.Done {
		for _, it := range items {
			_, _ = w.Store.UpdateItem(ctx, it.ID, func(item *model.ProcessingItem) error {
				if item.Status == model.ItemDownloading {
					item.Progress = state.Progress
				}
				return nil
			})
		}
		return nil
	}

	for _, it := range items {
		source, ok := resolveSourceFile(it, state)
		if !ok {
			pipeline.FailItem(ctx, w.Store, it.ID, "no payload file matched the episode")
			continue
		}
		itemID := it.ID
		_, err := pipeline.TransitionItem(ctx, w.Store, it.ID, model.ItemDownloaded, func(item *model.ProcessingItem) {
			item.SourceFilePath = source
			item.Progress = 100
			if item.StepContext == nil {
				item.StepContext = map[string]string{}
			}
			item.StepContext[model.CtxKeyFileValidated] = strconv.FormatBool(true)
		})
		if err != nil && !errors.Is(err, store.ErrConflict) {
			w.logger.Error().Err(err).Str(log.FieldItemID, it.ID).Msg("downloaded transition failed")
			continue
		}
		w.logger.Info().
			Str(log.FieldItemID, it.ID).
			Str(log.FieldPath, source).
			Msg("download complete, item ready to encode")

		w.Engine.ResumeWaiting(ctx, model.PauseAwaitingDownload, func(c *model.Context) bool {
			return c != nil && (c.ItemID == itemID || c.RequestID == it.RequestID)
		})
	}
	return nil
}

func (w *DownloadWatcher) itemsForDownload(ctx context.Context, downloadID string) ([]*model.ProcessingItem, error) {
	items, err := w.Store.ListItemsByStatus(ctx, model.ItemDownloading)
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, it := range items {
		if it.DownloadID == downloadID {
			out = append(out, it)
		}
	}
	return out, nil
}

// resolveSourceFile picks the payload file for an item. Movies take the
// content path (or the single file); episodes match on the SxxEyy marker.
func resolveSourceFile(it *model.ProcessingItem, state *adapters.DownloadState) (string, bool) {
	if it.Type == model.ItemMovie {
		if len(state.Files) == 1 {
			return state.Files[0], true
		}
		if state.ContentPath != "" {
			return state.ContentPath, true
		}
		return "", false
	}

	for _, f := range state.Files {
		season, episode, ok := normalize.Episode(f)
		if ok && season == it.Season && episode == it.Episode {
			return f, true
		}
	}
	// Single-episode torrent without a parsable marker.
	if len(state.Files) == 1 {
		return state.Files[0], true
	}
	return "", false
}
