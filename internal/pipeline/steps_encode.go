// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/voslund/fetchd/internal/model"
)

// Step-context keys written by the encode bridge when a job finishes.
const (
	ctxKeyEncodedFile = "encoded_file"
	ctxKeyEncodedSize = "encoded_size"
)

// encodeHandler submits the source file to the encoder dispatcher and
// suspends until the completion event transitions the item to ENCODED.
//
// Config:
//
//	outputDir  string  directory for encoded output (default: alongside source)
//	container  string  output container extension (default "mkv")
//
// The remaining config keys are passed to the encoder opaquely.
type encodeHandler struct {
	BaseHandler
	deps Deps
}

func (h *encodeHandler) ValidateConfig(config map[string]any) error {
	if err := requireKind(config, "outputDir", "string"); err != nil {
		return err
	}
	return requireKind(config, "container", "string")
}

func (h *encodeHandler) Execute(ctx context.Context, pctx *model.Context, config map[string]any, progress ProgressFunc) (*StepOutput, error) {
	if pctx.ItemID == "" {
		return &StepOutput{Success: false, Error: "encode step requires an item-scoped execution"}, nil
	}
	item, err := h.deps.Store.GetItem(ctx, pctx.ItemID)
	if err != nil {
		return nil, err
	}

	switch item.Status {
	case model.ItemEncoded, model.ItemDelivering, model.ItemCompleted:
		// Resume path: the bridge already recorded the result on the item.
		out := &model.EncodeOutput{JobID: item.EncodingJobID}
		if f := item.StepContext[ctxKeyEncodedFile]; f != "" {
			out.EncodedFiles = []string{f}
		}
		progress(100)
		return &StepOutput{Success: true, Data: &model.Context{Encode: out}}, nil

	case model.ItemEncoding:
		return &StepOutput{ShouldPause: true, PauseReason: model.PauseAwaitingEncode}, nil

	case model.ItemDownloaded:
		// fall through to submission

	default:
		return &StepOutput{Success: false,
			Error: fmt.Sprintf("item %s not ready to encode (status %s)", item.ID, item.Status)}, nil
	}

	if item.SourceFilePath == "" {
		return &StepOutput{Success: false, Error: "item has no source file"}, nil
	}

	jobID := uuid.New().String()
	outputPath := encodeOutputPath(item.SourceFilePath, config)

	if _, err := TransitionItem(ctx, h.deps.Store, item.ID, model.ItemEncoding, func(it *model.ProcessingItem) {
		it.EncodingJobID = jobID
	}); err != nil {
		return nil, err
	}

	encoderCfg := make(map[string]any, len(config))
	for k, v := range config {
		if k == "outputDir" || k == "container" {
			continue
		}
		encoderCfg[k] = v
	}
	if _, err := h.deps.Encoder.Enqueue(ctx, jobID, item.SourceFilePath, outputPath, encoderCfg); err != nil {
		FailItem(ctx, h.deps.Store, item.ID, fmt.Sprintf("encode enqueue: %v", err))
		return nil, err
	}

	return &StepOutput{
		Data:        &model.Context{Encode: &model.EncodeOutput{JobID: jobID}},
		ShouldPause: true,
		PauseReason: model.PauseAwaitingEncode,
	}, nil
}

func encodeOutputPath(source string, config map[string]any) string {
	container := cfgString(config, "container", "mkv")
	base := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	dir := cfgString(config, "outputDir", filepath.Dir(source))
	return filepath.Join(dir, base+".encoded."+container)
}
