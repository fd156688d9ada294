// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"errors"
	"strconv"

	"github.com/voslund/fetchd/internal/dispatch"
	"github.com/voslund/fetchd/internal/log"
	"github.com/voslund/fetchd/internal/model"
	"github.com/voslund/fetchd/internal/store"
)

// EncodeBridge translates dispatcher completion events into item transitions
// and resumes the executions waiting on them. Both callbacks are idempotent
// by job id: a recovery sweep applying the same completion first is fine.
type EncodeBridge struct {
	Engine *Engine
}

var _ dispatch.Events = (*EncodeBridge)(nil)

func (b *EncodeBridge) EncodeCompleted(ctx context.Context, jobID string, result dispatch.EncodeResult) {
	logger := log.WithComponent("encode-bridge")

	item, err := itemByJobID(ctx, b.Engine.Store, jobID)
	if err != nil {
		logger.Warn().Err(err).Str(log.FieldJobID, jobID).Msg("completion for unknown job")
		return
	}

	if item.Status == model.ItemEncoding {
		_, err = TransitionItem(ctx, b.Engine.Store, item.ID, model.ItemEncoded, func(it *model.ProcessingItem) {
			if it.StepContext == nil {
				it.StepContext = map[string]string{}
			}
			it.StepContext[ctxKeyEncodedFile] = result.OutputPath
			it.StepContext[ctxKeyEncodedSize] = strconv.FormatInt(result.Size, 10)
		})
		if err != nil && !errors.Is(err, store.ErrConflict) {
			logger.Error().Err(err).Str(log.FieldItemID, item.ID).Msg("encoded transition failed")
			return
		}
	}

	b.Engine.ResumeWaiting(ctx, model.PauseAwaitingEncode, func(c *model.Context) bool {
		return c != nil && (c.ItemID == item.ID || (c.Encode != nil && c.Encode.JobID == jobID))
	})
}

func (b *EncodeBridge) EncodeFailed(ctx context.Context, jobID, errMsg string) {
	logger := log.WithComponent("encode-bridge")

	item, err := itemByJobID(ctx, b.Engine.Store, jobID)
	if err != nil {
		logger.Warn().Err(err).Str(log.FieldJobID, jobID).Msg("failure for unknown job")
		return
	}

	FailItem(ctx, b.Engine.Store, item.ID, "encode failed: "+errMsg)
	_ = SyncRequestFromItems(ctx, b.Engine.Store, item.RequestID)

	// Fail the waiting execution so the outcome is visible; the item stays in
	// FAILED for manual retry.
	execs, err := b.Engine.Store.ListExecutions(ctx, item.RequestID)
	if err != nil {
		return
	}
	for _, exec := range execs {
		if exec.Status == model.ExecutionPaused && exec.PauseReason == model.PauseAwaitingEncode &&
			exec.Context != nil && exec.Context.ItemID == item.ID {
			b.Engine.failExecution(ctx, exec.ID, "encode failed: "+errMsg)
		}
	}
}

func itemByJobID(ctx context.Context, st store.StateStore, jobID string) (*model.ProcessingItem, error) {
	for _, status := range []model.ItemStatus{model.ItemEncoding, model.ItemEncoded, model.ItemDelivering, model.ItemCompleted, model.ItemFailed} {
		items, err := st.ListItemsByStatus(ctx, status)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			if it.EncodingJobID == jobID {
				return it, nil
			}
		}
	}
	return nil, store.ErrNotFound
}
