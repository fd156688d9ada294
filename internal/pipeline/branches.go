// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"encoding/json"

	"github.com/voslund/fetchd/internal/log"
	"github.com/voslund/fetchd/internal/model"
)

// maybeSpawnBranches turns a season-pack download into per-episode branch
// executions. Fires once, on the root execution of a TV request, after the
// season-level DOWNLOAD step completed with a season pack. The download
// step's children (typically DOWNLOAD -> ENCODE -> DELIVER per episode) run
// inside the branches; the parent marks those rows SKIPPED as handed off.
func (w *walker) maybeSpawnBranches(ctx context.Context, n *node, pctx *model.Context) bool {
	if w.exec.EpisodeID != "" || pctx.Kind != model.MediaTV {
		return false
	}
	if n.step.Type != model.StepDownload || len(n.children) == 0 {
		return false
	}
	if pctx.Search == nil || !pctx.Search.SeasonPack {
		return false
	}

	items, err := w.engine.Store.ListItemsByRequest(ctx, w.exec.RequestID)
	if err != nil {
		w.logger.Error().Err(err).Msg("branch spawn: listing items failed")
		return false
	}

	spawned := 0
	for _, item := range items {
		if item.Type != model.ItemEpisode || item.Status.IsTerminal() {
			continue
		}
		steps := cloneSteps(n.step.Children)
		branch, err := w.engine.StartBranchExecution(ctx, w.exec, item, steps, pctx)
		if err != nil {
			w.logger.Error().Err(err).
				Str(log.FieldItemID, item.ID).
				Msg("branch spawn failed")
			continue
		}
		spawned++
		w.logger.Info().
			Str(log.FieldItemID, item.ID).
			Str("branch_id", branch.ID).
			Int("season", item.Season).
			Int("episode", item.Episode).
			Msg("episode branch started")
	}
	if spawned == 0 {
		return false
	}

	// Hand the subtree off: the parent's copies of these steps never run.
	w.skipSubtree(ctx, n.children)
	return true
}

func (w *walker) skipSubtree(ctx context.Context, nodes []*node) {
	for _, child := range nodes {
		_ = w.markStep(ctx, child.order, model.StepSkipped, "")
		w.skipSubtree(ctx, child.children)
	}
}

// cloneSteps deep-copies a step subtree so branch snapshots never alias the
// parent's snapshot.
func cloneSteps(steps []model.Step) []model.Step {
	b, _ := json.Marshal(steps)
	var out []model.Step
	_ = json.Unmarshal(b, &out)
	return out
}
