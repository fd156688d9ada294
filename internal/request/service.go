// SPDX-License-Identifier: MIT

// Package request owns the user-level acquisition orders: creation with their
// processing items, cancellation and manual retry.
package request

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/voslund/fetchd/internal/log"
	"github.com/voslund/fetchd/internal/model"
	"github.com/voslund/fetchd/internal/pipeline"
	"github.com/voslund/fetchd/internal/store"
)

// CreateInput is the payload for a new acquisition order.
type CreateInput struct {
	Kind       model.MediaKind   `json:"kind"`
	TMDBID     int64             `json:"tmdbId"`
	Title      string            `json:"title"`
	Year       int               `json:"year,omitempty"`
	Episodes   []model.EpisodeRef `json:"episodes,omitempty"`
	Targets    []string          `json:"targets"`
	TemplateID string            `json:"templateId"`
}

// Service drives request lifecycles over the store and engine.
type Service struct {
	Store  store.StateStore
	Engine *pipeline.Engine

	logger zerolog.Logger
}

// NewService builds the request service.
func NewService(st store.StateStore, eng *pipeline.Engine) *Service {
	return &Service{Store: st, Engine: eng, logger: log.WithComponent("request")}
}

func (in *CreateInput) validate() error {
	if in.Title == "" {
		return fmt.Errorf("title is required")
	}
	if in.TMDBID <= 0 {
		return fmt.Errorf("tmdbId is required")
	}
	if in.TemplateID == "" {
		return fmt.Errorf("templateId is required")
	}
	switch in.Kind {
	case model.MediaMovie:
		if len(in.Episodes) > 0 {
			return fmt.Errorf("movie requests take no episodes")
		}
	case model.MediaTV:
		if len(in.Episodes) == 0 {
			return fmt.Errorf("tv requests need at least one episode")
		}
	default:
		return fmt.Errorf("unknown media kind %q", in.Kind)
	}
	if len(in.Targets) == 0 {
		return fmt.Errorf("at least one delivery target is required")
	}
	return nil
}

// Create persists the request, its processing items, and starts the pipeline
// execution from the selected template.
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.Request, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	req := &model.Request{
		ID:                uuid.New().String(),
		Kind:              in.Kind,
		TMDBID:            in.TMDBID,
		Title:             in.Title,
		Year:              in.Year,
		RequestedEpisodes: in.Episodes,
		Targets:           in.Targets,
		Status:            model.RequestPending,
		CreatedAtUnix:     time.Now().Unix(),
	}
	req.RequestedSeasons = seasonsOf(in.Episodes)
	if err := s.Store.PutRequest(ctx, req); err != nil {
		return nil, err
	}

	if err := s.createItems(ctx, req); err != nil {
		return nil, err
	}

	if _, err := s.Engine.StartExecution(ctx, req.ID, in.TemplateID); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("request_id", req.ID).
		Str("kind", string(req.Kind)).
		Str("title", req.Title).
		Msg("request created")
	return req, nil
}

func (s *Service) createItems(ctx context.Context, req *model.Request) error {
	var items []*model.ProcessingItem
	if req.Kind == model.MediaMovie {
		items = append(items, &model.ProcessingItem{
			ID:        uuid.New().String(),
			RequestID: req.ID,
			Type:      model.ItemMovie,
			TMDBID:    req.TMDBID,
			Title:     req.Title,
			Status:    model.ItemPending,
		})
	} else {
		for _, ep := range req.RequestedEpisodes {
			items = append(items, &model.ProcessingItem{
				ID:        uuid.New().String(),
				RequestID: req.ID,
				Type:      model.ItemEpisode,
				TMDBID:    req.TMDBID,
				Title:     req.Title,
				Season:    ep.Season,
				Episode:   ep.Episode,
				Status:    model.ItemPending,
			})
		}
	}

	for _, it := range items {
		err := s.Store.PutItem(ctx, it)
		if errors.Is(err, store.ErrDuplicate) {
			// Retried enqueue: the (request, type, season, episode) key
			// already exists; never create a second row.
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Cancel marks the request and everything under it cancelled. In-flight
// external operations are left to the recovery paths.
func (s *Service) Cancel(ctx context.Context, requestID string) error {
	execs, err := s.Store.ListExecutions(ctx, requestID)
	if err != nil {
		return err
	}
	for _, exec := range execs {
		if exec.Status.IsTerminal() {
			continue
		}
		if err := s.Engine.CancelExecution(ctx, exec.ID); err != nil && !errors.Is(err, store.ErrConflict) {
			s.logger.Warn().Err(err).Str(log.FieldExecutionID, exec.ID).Msg("execution cancel failed")
		}
	}

	items, err := s.Store.ListItemsByRequest(ctx, requestID)
	if err != nil {
		return err
	}
	for _, it := range items {
		if it.Status.IsTerminal() {
			continue
		}
		if _, err := pipeline.TransitionItem(ctx, s.Store, it.ID, model.ItemCancelled, nil); err != nil {
			s.logger.Warn().Err(err).Str(log.FieldItemID, it.ID).Msg("item cancel failed")
		}
	}

	_, err = s.Store.UpdateRequest(ctx, requestID, func(r *model.Request) error {
		if r.Status.IsTerminal() {
			return nil
		}
		r.Status = model.RequestCancelled
		r.CompletedAtUnix = time.Now().Unix()
		return nil
	})
	return err
}

// Retry moves FAILED items back to PENDING and starts a fresh execution from
// the same template as the most recent one.
func (s *Service) Retry(ctx context.Context, requestID string) error {
	items, err := s.Store.ListItemsByRequest(ctx, requestID)
	if err != nil {
		return err
	}
	retried := 0
	for _, it := range items {
		if it.Status != model.ItemFailed {
			continue
		}
		if _, err := pipeline.TransitionItem(ctx, s.Store, it.ID, model.ItemPending, func(item *model.ProcessingItem) {
			item.Progress = 0
			item.LastError = ""
			item.DownloadID = ""
			item.EncodingJobID = ""
			item.SourceFilePath = ""
			item.CooldownEndsUnix = 0
			item.StepContext = nil
		}); err != nil {
			return err
		}
		retried++
	}
	if retried == 0 {
		return fmt.Errorf("request %s has no failed items", requestID)
	}

	execs, err := s.Store.ListExecutions(ctx, requestID)
	if err != nil {
		return err
	}
	var templateID string
	for _, exec := range execs {
		if exec.ParentExecutionID == "" {
			templateID = exec.TemplateID
		}
	}
	if templateID == "" {
		return fmt.Errorf("request %s has no root execution to retry", requestID)
	}

	_, err = s.Store.UpdateRequest(ctx, requestID, func(r *model.Request) error {
		r.Status = model.RequestProcessing
		r.Error = ""
		r.CompletedAtUnix = 0
		return nil
	})
	if err != nil {
		return err
	}

	_, err = s.Engine.StartExecution(ctx, requestID, templateID)
	return err
}

func seasonsOf(eps []model.EpisodeRef) []int {
	seen := map[int]bool{}
	var out []int
	for _, ep := range eps {
		if !seen[ep.Season] {
			seen[ep.Season] = true
			out = append(out, ep.Season)
		}
	}
	return out
}
