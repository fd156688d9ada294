// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/voslund/fetchd/internal/model"
)

// deliverHandler copies the encoded artifact to every requested target.
//
// Config:
//
//	remoteDir  string  destination directory on the target (default "/")
//	targets    list    target names; defaults to the request's targets
type deliverHandler struct {
	BaseHandler
	deps Deps
}

func (h *deliverHandler) ValidateConfig(config map[string]any) error {
	if err := requireKind(config, "remoteDir", "string"); err != nil {
		return err
	}
	if v, ok := config["targets"]; ok {
		list, ok := v.([]any)
		if !ok {
			return fmt.Errorf("config %q must be a list of target names", "targets")
		}
		for _, item := range list {
			if _, ok := item.(string); !ok {
				return fmt.Errorf("config %q must contain only strings", "targets")
			}
		}
	}
	return nil
}

func (h *deliverHandler) Execute(ctx context.Context, pctx *model.Context, config map[string]any, progress ProgressFunc) (*StepOutput, error) {
	if pctx.ItemID == "" {
		return &StepOutput{Success: false, Error: "deliver step requires an item-scoped execution"}, nil
	}
	item, err := h.deps.Store.GetItem(ctx, pctx.ItemID)
	if err != nil {
		return nil, err
	}
	if item.Status == model.ItemCompleted {
		return &StepOutput{ShouldSkip: true}, nil
	}

	var files []string
	if pctx.Encode != nil {
		files = pctx.Encode.EncodedFiles
	}
	if len(files) == 0 {
		if f := item.StepContext[ctxKeyEncodedFile]; f != "" {
			files = []string{f}
		}
	}
	if len(files) == 0 {
		return &StepOutput{Success: false, Error: "nothing to deliver: no encoded files"}, nil
	}

	// Copy: the request targets stay untouched when the step overrides them.
	targetNames := append([]string(nil), pctx.Targets...)
	if v, ok := config["targets"].([]any); ok && len(v) > 0 {
		targetNames = targetNames[:0]
		for _, t := range v {
			targetNames = append(targetNames, t.(string))
		}
	}
	if len(targetNames) == 0 {
		return &StepOutput{Success: false, Error: "no delivery targets configured"}, nil
	}

	if item.Status != model.ItemDelivering {
		if _, err := TransitionItem(ctx, h.deps.Store, item.ID, model.ItemDelivering, nil); err != nil {
			return nil, err
		}
	}

	remoteDir := cfgString(config, "remoteDir", "/")
	delivered := make([]string, 0, len(targetNames))
	var remotePath string
	for i, name := range targetNames {
		target, ok := h.deps.Targets[name]
		if !ok {
			return &StepOutput{Success: false, Error: fmt.Sprintf("unknown delivery target %q", name)}, nil
		}
		for _, file := range files {
			remotePath = filepath.Join(remoteDir, filepath.Base(file))
			if err := target.Store(ctx, file, remotePath); err != nil {
				FailItem(ctx, h.deps.Store, item.ID, fmt.Sprintf("delivery to %s: %v", name, err))
				return nil, fmt.Errorf("delivery to %s: %w", name, err)
			}
		}
		delivered = append(delivered, name)
		progress((i + 1) * 100 / len(targetNames))
	}

	if _, err := TransitionItem(ctx, h.deps.Store, item.ID, model.ItemCompleted, nil); err != nil {
		return nil, err
	}
	if err := SyncRequestFromItems(ctx, h.deps.Store, pctx.RequestID); err != nil {
		return nil, err
	}

	return &StepOutput{
		Success: true,
		Data: &model.Context{Deliver: &model.DeliverOutput{
			DeliveredTo: delivered,
			RemotePath:  remotePath,
		}},
	}, nil
}
