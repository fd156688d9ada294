// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/voslund/fetchd/internal/model"
	"github.com/voslund/fetchd/internal/store"
)

// downloadHandler hands the selected release to the download client and
// suspends the execution until the download watcher observes completion.
//
// Config:
//
//	savePath  string  download directory override
type downloadHandler struct {
	BaseHandler
	deps Deps
}

func (h *downloadHandler) ValidateConfig(config map[string]any) error {
	return requireKind(config, "savePath", "string")
}

func (h *downloadHandler) Execute(ctx context.Context, pctx *model.Context, config map[string]any, progress ProgressFunc) (*StepOutput, error) {
	items, err := activeItems(ctx, h.deps.Store, pctx)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return &StepOutput{ShouldSkip: true}, nil
	}

	// Episode branch whose file already exists (season pack fetched at the
	// request level): nothing to download.
	if pctx.ItemID != "" && len(items) == 1 {
		it := items[0]
		if it.SourceFilePath != "" && itemPast(it.Status, model.ItemDownloaded) {
			return &StepOutput{
				ShouldSkip: true,
				Data: &model.Context{Download: &model.DownloadOutput{
					DownloadID: it.DownloadID,
					SourceFile: it.SourceFilePath,
				}},
			}, nil
		}
	}

	// Resume path: the watcher moved the items to DOWNLOADED.
	if allInStatus(items, model.ItemDownloaded) {
		out := &model.DownloadOutput{}
		if pctx.Download != nil {
			*out = *pctx.Download
		}
		first := items[0]
		out.DownloadID = first.DownloadID
		out.SourceFile = first.SourceFilePath
		if d, err := h.deps.Store.GetDownload(ctx, first.DownloadID); err == nil {
			out.TorrentHash = d.TorrentHash
			out.ContentPath = d.ContentPath
		}
		progress(100)
		return &StepOutput{Success: true, Data: &model.Context{Download: out}}, nil
	}

	// Still transferring: keep waiting.
	if anyInStatus(items, model.ItemDownloading) {
		return &StepOutput{ShouldPause: true, PauseReason: model.PauseAwaitingDownload}, nil
	}

	if pctx.Search == nil {
		return &StepOutput{Success: false, Error: "no release selected before download step"}, nil
	}

	magnet := pctx.Search.Magnet
	if magnet == "" {
		magnet = "magnet:?xt=urn:btih:" + pctx.Search.InfoHash
	}
	savePath := cfgString(config, "savePath", "")

	// Duplicate submissions collapse on the torrent hash.
	var download *model.Download
	if existing, err := h.deps.Store.GetDownloadByHash(ctx, pctx.Search.InfoHash); err == nil {
		download = existing
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	} else {
		hash, err := h.deps.Downloader.Add(ctx, magnet, savePath)
		if err != nil {
			return nil, fmt.Errorf("download client add: %w", err)
		}
		download = &model.Download{
			ID:          uuid.New().String(),
			RequestID:   pctx.RequestID,
			TorrentHash: hash,
			TorrentName: pctx.Search.ReleaseTitle,
			MediaKind:   pctx.Kind,
			Status:      model.DownloadActive,
			SavePath:    savePath,
			Size:        pctx.Search.Size,
		}
		if err := h.deps.Store.PutDownload(ctx, download); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return nil, err
		}
	}

	for _, it := range items {
		if _, err := TransitionItem(ctx, h.deps.Store, it.ID, model.ItemDownloading, func(item *model.ProcessingItem) {
			item.DownloadID = download.ID
		}); err != nil {
			return nil, err
		}
	}

	return &StepOutput{
		Data: &model.Context{Download: &model.DownloadOutput{
			DownloadID:  download.ID,
			TorrentHash: download.TorrentHash,
		}},
		ShouldPause: true,
		PauseReason: model.PauseAwaitingDownload,
	}, nil
}

// itemPast reports whether status is at or beyond the milestone in the
// forward progression of the item lifecycle.
func itemPast(status, milestone model.ItemStatus) bool {
	order := map[model.ItemStatus]int{
		model.ItemPending:     0,
		model.ItemSearching:   1,
		model.ItemDiscovered:  2,
		model.ItemFound:       2,
		model.ItemDownloading: 3,
		model.ItemDownloaded:  4,
		model.ItemEncoding:    5,
		model.ItemEncoded:     6,
		model.ItemDelivering:  7,
		model.ItemCompleted:   8,
	}
	s, ok1 := order[status]
	m, ok2 := order[milestone]
	return ok1 && ok2 && s >= m
}

func allInStatus(items []*model.ProcessingItem, status model.ItemStatus) bool {
	for _, it := range items {
		if it.Status != status {
			return false
		}
	}
	return len(items) > 0
}

func anyInStatus(items []*model.ProcessingItem, status model.ItemStatus) bool {
	for _, it := range items {
		if it.Status == status {
			return true
		}
	}
	return false
}
