// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/voslund/fetchd/internal/adapters"
	"github.com/voslund/fetchd/internal/model"
)

// approvalHandler gates the pipeline on an explicit user decision. The
// decision arrives out-of-band (API) as an Approval slice on the context.
type approvalHandler struct {
	BaseHandler
}

func (h *approvalHandler) ValidateConfig(config map[string]any) error {
	return requireKind(config, "message", "string")
}

func (h *approvalHandler) Execute(_ context.Context, pctx *model.Context, _ map[string]any, _ ProgressFunc) (*StepOutput, error) {
	if pctx.Approval == nil {
		return &StepOutput{ShouldPause: true, PauseReason: model.PauseAwaitingApproval}, nil
	}
	if !pctx.Approval.Approved {
		return &StepOutput{Success: false, Error: "request was rejected"}, nil
	}
	return &StepOutput{Success: true, Data: &model.Context{Approval: pctx.Approval}}, nil
}

// notificationHandler fans an event out to the configured sinks.
//
// Config:
//
//	event    string  event name (default "pipeline.event")
//	message  string  human-readable text
type notificationHandler struct {
	BaseHandler
	deps Deps
}

func (h *notificationHandler) ValidateConfig(config map[string]any) error {
	if err := requireKind(config, "event", "string"); err != nil {
		return err
	}
	return requireKind(config, "message", "string")
}

func (h *notificationHandler) Execute(ctx context.Context, pctx *model.Context, config map[string]any, _ ProgressFunc) (*StepOutput, error) {
	n := adapters.Notification{
		Event:     cfgString(config, "event", "pipeline.event"),
		RequestID: pctx.RequestID,
		Title:     pctx.Title,
		Message:   cfgString(config, "message", ""),
		At:        time.Now(),
	}

	var sent []string
	var lastErr error
	for _, sink := range h.deps.Notifiers {
		if err := sink.Notify(ctx, n); err != nil {
			lastErr = fmt.Errorf("notifier %s: %w", sink.Name(), err)
			continue
		}
		sent = append(sent, sink.Name())
	}

	if len(sent) == 0 && lastErr != nil {
		return &StepOutput{Success: false, Error: lastErr.Error()}, nil
	}
	return &StepOutput{
		Success: true,
		Data:    &model.Context{Notification: &model.NotificationOutput{Sent: sent}},
	}, nil
}
