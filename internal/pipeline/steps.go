// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"fmt"

	"github.com/voslund/fetchd/internal/adapters"
	"github.com/voslund/fetchd/internal/model"
	"github.com/voslund/fetchd/internal/store"
)

// EncodeQueue is the engine's edge into the encoder dispatcher.
type EncodeQueue interface {
	Enqueue(ctx context.Context, jobID, inputPath, outputPath string, config map[string]any) (*model.EncoderAssignment, error)
}

// Deps carries the collaborators the step handlers close over. Handlers are
// constructed per invocation; Deps itself is immutable after boot.
type Deps struct {
	Store      store.StateStore
	Indexers   []adapters.Indexer
	Downloader adapters.DownloadClient
	Targets    map[string]adapters.DeliveryTarget
	Notifiers  []adapters.Notifier
	Encoder    EncodeQueue
}

// RegisterDefaults wires the built-in handler set into the registry.
func RegisterDefaults(reg *Registry, deps Deps) {
	reg.MustRegister(model.StepSearch, func() Handler { return &searchHandler{deps: deps} })
	reg.MustRegister(model.StepDownload, func() Handler { return &downloadHandler{deps: deps} })
	reg.MustRegister(model.StepEncode, func() Handler { return &encodeHandler{deps: deps} })
	reg.MustRegister(model.StepDeliver, func() Handler { return &deliverHandler{deps: deps} })
	reg.MustRegister(model.StepApproval, func() Handler { return &approvalHandler{} })
	reg.MustRegister(model.StepNotification, func() Handler { return &notificationHandler{deps: deps} })
}

// --- config helpers ---

func cfgString(m map[string]any, key, def string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return def
}

func cfgInt(m map[string]any, key string, def int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func cfgBool(m map[string]any, key string, def bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

func requireKind(m map[string]any, key string, want string) error {
	v, ok := m[key]
	if !ok {
		return nil
	}
	switch want {
	case "string":
		if _, ok := v.(string); !ok {
			return fmt.Errorf("config %q must be a string", key)
		}
	case "number":
		switch v.(type) {
		case float64, int:
		default:
			return fmt.Errorf("config %q must be a number", key)
		}
	case "bool":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("config %q must be a boolean", key)
		}
	}
	return nil
}

// activeItems returns the request's non-terminal items, scoped to the branch
// item when the execution runs for a single episode.
func activeItems(ctx context.Context, st store.StateStore, pctx *model.Context) ([]*model.ProcessingItem, error) {
	if pctx.ItemID != "" {
		it, err := st.GetItem(ctx, pctx.ItemID)
		if err != nil {
			return nil, err
		}
		if it.Status.IsTerminal() {
			return nil, nil
		}
		return []*model.ProcessingItem{it}, nil
	}
	items, err := st.ListItemsByRequest(ctx, pctx.RequestID)
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, it := range items {
		if !it.Status.IsTerminal() {
			out = append(out, it)
		}
	}
	return out, nil
}
