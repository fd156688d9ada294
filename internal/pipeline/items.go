// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"time"

	"github.com/voslund/fetchd/internal/metrics"
	"github.com/voslund/fetchd/internal/model"
	"github.com/voslund/fetchd/internal/store"
)

// TransitionItem moves a processing item to the target status under the legal
// transition table and its entry/exit guards. mutate (optional) runs before
// validation so it can set the fields the guards require (download id, source
// path). The store applies the change with a compare-and-set on (id, status).
func TransitionItem(ctx context.Context, st store.StateStore, id string, to model.ItemStatus, mutate func(*model.ProcessingItem)) (*model.ProcessingItem, error) {
	var from model.ItemStatus
	it, err := st.UpdateItem(ctx, id, func(item *model.ProcessingItem) error {
		from = item.Status
		if mutate != nil {
			mutate(item)
		}
		if err := model.ValidateItemTransition(item, to, time.Now()); err != nil {
			return err
		}
		item.Status = to
		if to.IsTerminal() {
			item.Progress = 100
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.ItemTransitionTotal.WithLabelValues(string(from), string(to)).Inc()
	return it, nil
}

// FailItem records a failure on the item without touching terminal states.
func FailItem(ctx context.Context, st store.StateStore, id, reason string) {
	_, _ = st.UpdateItem(ctx, id, func(item *model.ProcessingItem) error {
		if item.Status.IsTerminal() || item.Status == model.ItemFailed {
			item.LastError = reason
			return nil
		}
		from := item.Status
		item.Status = model.ItemFailed
		item.LastError = reason
		metrics.ItemTransitionTotal.WithLabelValues(string(from), string(model.ItemFailed)).Inc()
		return nil
	})
}

// SyncRequestFromItems recomputes the request's derived status and progress.
func SyncRequestFromItems(ctx context.Context, st store.StateStore, requestID string) error {
	items, err := st.ListItemsByRequest(ctx, requestID)
	if err != nil {
		return err
	}
	status, progress := model.DeriveRequestStatus(items)
	_, err = st.UpdateRequest(ctx, requestID, func(r *model.Request) error {
		if r.Status.IsTerminal() {
			return nil
		}
		r.Status = status
		r.Progress = progress
		if status.IsTerminal() && r.CompletedAtUnix == 0 {
			r.CompletedAtUnix = time.Now().Unix()
		}
		return nil
	})
	return err
}
