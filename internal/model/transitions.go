// SPDX-License-Identifier: MIT

package model

import (
	"strconv"
	"time"

	"github.com/voslund/fetchd/internal/faults"
	"github.com/voslund/fetchd/internal/fsm"
)

// ItemTransitions is the legal state machine for ProcessingItem.
//
//	PENDING    -> SEARCHING | CANCELLED
//	SEARCHING  -> DISCOVERED | FOUND | FAILED | CANCELLED
//	DISCOVERED -> DOWNLOADING | CANCELLED    (after cooldown)
//	FOUND      -> DOWNLOADING | FAILED | CANCELLED
//	DOWNLOADING-> DOWNLOADED | FAILED | CANCELLED
//	DOWNLOADED -> ENCODING | FAILED | CANCELLED
//	ENCODING   -> ENCODED | FAILED | CANCELLED
//	ENCODED    -> DELIVERING | FAILED | CANCELLED
//	DELIVERING -> COMPLETED | FAILED | CANCELLED
//	FAILED     -> PENDING    (manual retry)
var ItemTransitions = fsm.New(map[ItemStatus][]ItemStatus{
	ItemPending:     {ItemSearching, ItemCancelled},
	ItemSearching:   {ItemDiscovered, ItemFound, ItemFailed, ItemCancelled},
	ItemDiscovered:  {ItemDownloading, ItemCancelled},
	ItemFound:       {ItemDownloading, ItemFailed, ItemCancelled},
	ItemDownloading: {ItemDownloaded, ItemFailed, ItemCancelled},
	ItemDownloaded:  {ItemEncoding, ItemFailed, ItemCancelled},
	ItemEncoding:    {ItemEncoded, ItemFailed, ItemCancelled},
	ItemEncoded:     {ItemDelivering, ItemFailed, ItemCancelled},
	ItemDelivering:  {ItemCompleted, ItemFailed, ItemCancelled},
	ItemFailed:      {ItemPending},
})

// AssignmentTransitions is the legal state machine for EncoderAssignment.
// ASSIGNED and ENCODING may revert to PENDING on requeue.
var AssignmentTransitions = fsm.New(map[AssignmentStatus][]AssignmentStatus{
	AssignmentPending:  {AssignmentAssigned, AssignmentFailed},
	AssignmentAssigned: {AssignmentEncoding, AssignmentPending, AssignmentFailed},
	AssignmentEncoding: {AssignmentCompleted, AssignmentPending, AssignmentFailed},
})

// ExecutionTransitions is the legal state machine for PipelineExecution.
var ExecutionTransitions = fsm.New(map[ExecutionStatus][]ExecutionStatus{
	ExecutionRunning: {ExecutionPaused, ExecutionCompleted, ExecutionFailed, ExecutionCancelled},
	ExecutionPaused:  {ExecutionRunning, ExecutionFailed, ExecutionCancelled},
})

// ValidateItemTransition enforces edge legality plus entry/exit guards on the
// item's linked records. The recovery sweepers are the only callers allowed to
// bypass it (via the store's repair primitives).
func ValidateItemTransition(item *ProcessingItem, to ItemStatus, now time.Time) error {
	if err := ItemTransitions.Check(item.Status, to); err != nil {
		return faults.Wrap(faults.KindValidation, "item "+item.ID, err)
	}

	switch to {
	case ItemDownloading:
		if item.DownloadID == "" {
			return faults.Newf(faults.KindValidation,
				"item %s: entering DOWNLOADING requires a download id", item.ID)
		}
		if item.Status == ItemDiscovered && item.CooldownEndsUnix > 0 && now.Unix() < item.CooldownEndsUnix {
			return faults.Newf(faults.KindValidation,
				"item %s: cooldown active until %s", item.ID,
				time.Unix(item.CooldownEndsUnix, 0).UTC().Format(time.RFC3339))
		}
	case ItemEncoding:
		if item.Status == ItemDownloaded {
			if item.SourceFilePath == "" {
				return faults.Newf(faults.KindValidation,
					"item %s: leaving DOWNLOADED requires a source file path", item.ID)
			}
			if v, _ := strconv.ParseBool(item.StepContext[CtxKeyFileValidated]); !v {
				return faults.Newf(faults.KindValidation,
					"item %s: leaving DOWNLOADED requires file validation", item.ID)
			}
		}
		if item.EncodingJobID == "" {
			return faults.Newf(faults.KindValidation,
				"item %s: entering ENCODING requires an encoding job id", item.ID)
		}
	case ItemDiscovered:
		if item.CooldownEndsUnix == 0 {
			return faults.Newf(faults.KindValidation,
				"item %s: entering DISCOVERED requires a cooldown deadline", item.ID)
		}
	}
	return nil
}

// DeriveRequestStatus computes the request status from its items' aggregate.
// The request row is not the source of truth once items exist.
func DeriveRequestStatus(items []*ProcessingItem) (RequestStatus, int) {
	if len(items) == 0 {
		return RequestPending, 0
	}
	completed, failed, cancelled, progress := 0, 0, 0, 0
	for _, it := range items {
		progress += it.Progress
		switch it.Status {
		case ItemCompleted:
			completed++
		case ItemFailed:
			failed++
		case ItemCancelled:
			cancelled++
		}
	}
	progress /= len(items)

	switch {
	case completed == len(items):
		return RequestCompleted, 100
	case cancelled == len(items):
		return RequestCancelled, progress
	case completed+failed+cancelled == len(items) && failed > 0:
		return RequestFailed, progress
	default:
		return RequestProcessing, progress
	}
}
