// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/voslund/fetchd/internal/adapters"
	"github.com/voslund/fetchd/internal/model"
	"github.com/voslund/fetchd/internal/normalize"
)

// searchHandler queries the configured indexers and selects a release.
//
// Config:
//
//	minSeeders      number  minimum seeders to consider (default 1)
//	cooldownSecs    number  DISCOVERED wait window before auto-download (0 = immediate)
//	preferSeasonPack bool   for TV, prefer whole-season releases (default true)
type searchHandler struct {
	BaseHandler
	deps Deps
}

func (h *searchHandler) ValidateConfig(config map[string]any) error {
	if err := requireKind(config, "minSeeders", "number"); err != nil {
		return err
	}
	if err := requireKind(config, "cooldownSecs", "number"); err != nil {
		return err
	}
	if err := requireKind(config, "preferSeasonPack", "bool"); err != nil {
		return err
	}
	if cfgInt(config, "cooldownSecs", 0) < 0 {
		return fmt.Errorf("config %q must not be negative", "cooldownSecs")
	}
	return nil
}

func (h *searchHandler) Execute(ctx context.Context, pctx *model.Context, config map[string]any, progress ProgressFunc) (*StepOutput, error) {
	items, err := activeItems(ctx, h.deps.Store, pctx)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return &StepOutput{ShouldSkip: true}, nil
	}
	if pctx.ItemID == "" && len(items) == 1 {
		pctx.ItemID = items[0].ID
	}

	// Resume after a cooldown pause: the release is already selected.
	if pctx.Search != nil {
		return h.resumeCooldown(items, pctx)
	}

	for _, it := range items {
		if it.Status == model.ItemPending {
			if _, err := TransitionItem(ctx, h.deps.Store, it.ID, model.ItemSearching, nil); err != nil {
				return nil, err
			}
		}
	}
	progress(10)

	q := adapters.SearchQuery{
		Kind:    pctx.Kind,
		Title:   pctx.Title,
		Year:    pctx.Year,
		Season:  pctx.Season,
		Episode: pctx.Episode,
	}
	var releases []adapters.Release
	for i, idx := range h.deps.Indexers {
		found, err := idx.Search(ctx, q)
		if err != nil {
			// One dead indexer must not sink the search; the others may hit.
			continue
		}
		releases = append(releases, found...)
		progress(10 + (i+1)*60/len(h.deps.Indexers))
	}

	minSeeders := cfgInt(config, "minSeeders", 1)
	preferPack := cfgBool(config, "preferSeasonPack", true)
	best := pickRelease(releases, pctx, minSeeders, preferPack)
	if best == nil {
		msg := fmt.Sprintf("no release found for %q", pctx.Title)
		for _, it := range items {
			FailItem(ctx, h.deps.Store, it.ID, msg)
		}
		return &StepOutput{Success: false, Error: msg}, nil
	}

	_, seasonPack := normalize.SeasonPack(best.Title)
	out := &model.Context{Search: &model.SearchOutput{
		ReleaseTitle: best.Title,
		Indexer:      best.Indexer,
		InfoHash:     best.InfoHash,
		Magnet:       best.Magnet,
		Size:         best.Size,
		Seeders:      best.Seeders,
		SeasonPack:   seasonPack && pctx.Kind == model.MediaTV,
	}}

	cooldown := cfgInt(config, "cooldownSecs", 0)
	if cooldown > 0 {
		endsAt := time.Now().Add(time.Duration(cooldown) * time.Second).Unix()
		for _, it := range items {
			if _, err := TransitionItem(ctx, h.deps.Store, it.ID, model.ItemDiscovered, func(item *model.ProcessingItem) {
				item.CooldownEndsUnix = endsAt
				if item.StepContext == nil {
					item.StepContext = map[string]string{}
				}
				item.StepContext[model.CtxKeyReleaseTitle] = best.Title
				item.StepContext[model.CtxKeyIndexer] = best.Indexer
			}); err != nil {
				return nil, err
			}
		}
		return &StepOutput{
			Data:        out,
			ShouldPause: true,
			PauseReason: model.PauseAwaitingCooldown,
		}, nil
	}

	for _, it := range items {
		if _, err := TransitionItem(ctx, h.deps.Store, it.ID, model.ItemFound, func(item *model.ProcessingItem) {
			if item.StepContext == nil {
				item.StepContext = map[string]string{}
			}
			item.StepContext[model.CtxKeyReleaseTitle] = best.Title
			item.StepContext[model.CtxKeyIndexer] = best.Indexer
		}); err != nil {
			return nil, err
		}
	}
	progress(100)
	return &StepOutput{Success: true, Data: out}, nil
}

// resumeCooldown completes the step once the DISCOVERED wait window elapsed.
func (h *searchHandler) resumeCooldown(items []*model.ProcessingItem, pctx *model.Context) (*StepOutput, error) {
	now := time.Now().Unix()
	for _, it := range items {
		if it.Status == model.ItemDiscovered && it.CooldownEndsUnix > now {
			return &StepOutput{
				ShouldPause: true,
				PauseReason: model.PauseAwaitingCooldown,
			}, nil
		}
	}
	return &StepOutput{Success: true, Data: &model.Context{Search: pctx.Search}}, nil
}

func pickRelease(candidates []adapters.Release, pctx *model.Context, minSeeders int, preferPack bool) *adapters.Release {
	var eligible []adapters.Release
	for _, r := range candidates {
		if r.Seeders < minSeeders {
			continue
		}
		if !normalize.TitlesMatch(r.Title, pctx.Title) {
			continue
		}
		eligible = append(eligible, r)
	}
	if len(eligible) == 0 {
		return nil
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if pctx.Kind == model.MediaTV && preferPack {
			_, pi := normalize.SeasonPack(eligible[i].Title)
			_, pj := normalize.SeasonPack(eligible[j].Title)
			if pi != pj {
				return pi
			}
		}
		return eligible[i].Seeders > eligible[j].Seeders
	})
	return &eligible[0]
}
