// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voslund/fetchd/internal/model"
)

// withStores runs a subtest against both StateStore implementations so the
// memory store cannot drift from the SQLite behavior the daemon runs on.
func withStores(t *testing.T, fn func(t *testing.T, st StateStore)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
		require.NoError(t, err)
		defer func() { _ = st.Close() }()
		fn(t, st)
	})
}

func TestRequestRoundTrip(t *testing.T) {
	withStores(t, func(t *testing.T, st StateStore) {
		ctx := context.Background()
		req := &model.Request{
			ID:            "req-1",
			Kind:          model.MediaMovie,
			TMDBID:        329865,
			Title:         "Arrival",
			Year:          2016,
			Targets:       []string{"library"},
			Status:        model.RequestPending,
			CreatedAtUnix: time.Now().Unix(),
		}
		require.NoError(t, st.PutRequest(ctx, req))

		got, err := st.GetRequest(ctx, "req-1")
		require.NoError(t, err)
		assert.Equal(t, req.Title, got.Title)
		assert.Equal(t, req.Targets, got.Targets)

		_, err = st.GetRequest(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		updated, err := st.UpdateRequest(ctx, "req-1", func(r *model.Request) error {
			r.Status = model.RequestProcessing
			r.Progress = 25
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, model.RequestProcessing, updated.Status)

		list, err := st.ListRequests(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestItemUniqueness(t *testing.T) {
	withStores(t, func(t *testing.T, st StateStore) {
		ctx := context.Background()
		item := &model.ProcessingItem{
			ID:        "it-1",
			RequestID: "req-1",
			Type:      model.ItemEpisode,
			TMDBID:    1399,
			Title:     "Show",
			Season:    1,
			Episode:   2,
			Status:    model.ItemPending,
		}
		require.NoError(t, st.PutItem(ctx, item))

		dup := *item
		dup.ID = "it-2"
		assert.ErrorIs(t, st.PutItem(ctx, &dup), ErrDuplicate,
			"same (request, type, season, episode) must never create a second row")

		found, err := st.FindItem(ctx, ItemKey{RequestID: "req-1", Type: model.ItemEpisode, Season: 1, Episode: 2})
		require.NoError(t, err)
		assert.Equal(t, "it-1", found.ID)

		other := *item
		other.ID = "it-3"
		other.Episode = 3
		require.NoError(t, st.PutItem(ctx, &other))

		byStatus, err := st.ListItemsByStatus(ctx, model.ItemPending)
		require.NoError(t, err)
		assert.Len(t, byStatus, 2)
	})
}

func TestDownloadHashUniqueness(t *testing.T) {
	withStores(t, func(t *testing.T, st StateStore) {
		ctx := context.Background()
		d := &model.Download{
			ID:          "dl-1",
			RequestID:   "req-1",
			TorrentHash: "abc123",
			TorrentName: "Arrival.2016",
			MediaKind:   model.MediaMovie,
			Status:      model.DownloadActive,
			SavePath:    "/downloads",
		}
		require.NoError(t, st.PutDownload(ctx, d))

		dup := *d
		dup.ID = "dl-2"
		assert.ErrorIs(t, st.PutDownload(ctx, &dup), ErrDuplicate)

		got, err := st.GetDownloadByHash(ctx, "abc123")
		require.NoError(t, err)
		assert.Equal(t, "dl-1", got.ID)
	})
}

func TestClaimStepSingleWinner(t *testing.T) {
	withStores(t, func(t *testing.T, st StateStore) {
		ctx := context.Background()
		rows := []*model.StepExecution{
			{ID: "se-0", ExecutionID: "ex-1", StepOrder: 0, StepType: model.StepSearch, Name: "search", Status: model.StepPending},
			{ID: "se-1", ExecutionID: "ex-1", StepOrder: 1, StepType: model.StepDownload, Name: "download", Status: model.StepPending},
		}
		require.NoError(t, st.CreateStepExecutions(ctx, rows))

		assert.ErrorIs(t, st.CreateStepExecutions(ctx, []*model.StepExecution{
			{ID: "se-dup", ExecutionID: "ex-1", StepOrder: 0, StepType: model.StepSearch, Name: "search", Status: model.StepPending},
		}), ErrDuplicate)

		now := time.Now().Unix()
		claimed, err := st.ClaimStep(ctx, "ex-1", 0, now)
		require.NoError(t, err)
		assert.True(t, claimed)

		claimed, err = st.ClaimStep(ctx, "ex-1", 0, now)
		require.NoError(t, err)
		assert.False(t, claimed, "second walker must not claim a RUNNING step")

		// Terminal states are monotonic.
		_, err = st.UpdateStepExecution(ctx, "ex-1", 0, func(se *model.StepExecution) error {
			se.Status = model.StepCompleted
			se.Progress = 100
			return nil
		})
		require.NoError(t, err)

		_, err = st.UpdateStepExecution(ctx, "ex-1", 0, func(se *model.StepExecution) error {
			se.Status = model.StepPending
			return nil
		})
		assert.ErrorIs(t, err, ErrConflict)
	})
}

func TestExecutionRoundTrip(t *testing.T) {
	withStores(t, func(t *testing.T, st StateStore) {
		ctx := context.Background()
		exec := &model.PipelineExecution{
			ID:         "ex-1",
			RequestID:  "req-1",
			TemplateID: "tpl-1",
			Status:     model.ExecutionRunning,
			Steps:      []model.Step{{Type: model.StepSearch, Name: "search", Required: true}},
			Context:    &model.Context{RequestID: "req-1", Title: "Arrival"},
			StartedAtUnix: time.Now().Unix(),
		}
		require.NoError(t, st.PutExecution(ctx, exec))

		branch := *exec
		branch.ID = "ex-2"
		branch.ParentExecutionID = "ex-1"
		branch.EpisodeID = "it-5"
		require.NoError(t, st.PutExecution(ctx, &branch))

		got, err := st.GetExecution(ctx, "ex-1")
		require.NoError(t, err)
		require.NotNil(t, got.Context)
		assert.Equal(t, "Arrival", got.Context.Title)
		require.Len(t, got.Steps, 1)
		assert.Equal(t, model.StepSearch, got.Steps[0].Type)

		children, err := st.ListChildExecutions(ctx, "ex-1")
		require.NoError(t, err)
		require.Len(t, children, 1)
		assert.Equal(t, "it-5", children[0].EpisodeID)

		byRequest, err := st.ListExecutions(ctx, "req-1")
		require.NoError(t, err)
		assert.Len(t, byRequest, 2)
	})
}

func TestAssignmentInvariants(t *testing.T) {
	withStores(t, func(t *testing.T, st StateStore) {
		ctx := context.Background()
		a := &model.EncoderAssignment{
			ID:          "as-1",
			JobID:       "job-1",
			Status:      model.AssignmentPending,
			InputPath:   "/downloads/a.mkv",
			Attempt:     1,
			MaxAttempts: 3,
		}
		require.NoError(t, st.CreateAssignment(ctx, a))

		// At most one non-terminal assignment per job.
		dup := *a
		dup.ID = "as-2"
		assert.ErrorIs(t, st.CreateAssignment(ctx, &dup), ErrDuplicate)

		byInput, err := st.ActiveAssignmentByInput(ctx, "/downloads/a.mkv")
		require.NoError(t, err)
		assert.Equal(t, "as-1", byInput.ID)

		_, err = st.UpdateAssignment(ctx, "as-1", func(ua *model.EncoderAssignment) error {
			ua.Status = model.AssignmentCompleted
			ua.CompletedAtUnix = time.Now().Unix()
			return nil
		})
		require.NoError(t, err)

		// Terminal frees the job for a fresh assignment.
		require.NoError(t, st.CreateAssignment(ctx, &dup))

		// Terminal states are monotonic.
		_, err = st.UpdateAssignment(ctx, "as-1", func(ua *model.EncoderAssignment) error {
			ua.Status = model.AssignmentPending
			return nil
		})
		assert.ErrorIs(t, err, ErrConflict)
	})
}

func TestStartupResets(t *testing.T) {
	withStores(t, func(t *testing.T, st StateStore) {
		ctx := context.Background()

		require.NoError(t, st.PutWorker(ctx, &model.EncoderWorker{
			ID: "enc-1", Status: model.WorkerEncoding, CurrentJobs: 2, MaxConcurrent: 2,
		}))
		require.NoError(t, st.PutWorker(ctx, &model.EncoderWorker{
			ID: "enc-2", Status: model.WorkerOffline, MaxConcurrent: 1,
		}))

		require.NoError(t, st.CreateAssignment(ctx, &model.EncoderAssignment{
			ID: "as-1", JobID: "job-1", EncoderID: "enc-1",
			Status: model.AssignmentAssigned, InputPath: "/a.mkv",
			SentAtUnix: time.Now().Unix(), Attempt: 1, MaxAttempts: 3,
		}))

		n, err := st.MarkAllWorkersOffline(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = st.ResetAssignedToPending(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		a, err := st.ActiveAssignmentByJob(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, model.AssignmentPending, a.Status)
		assert.Zero(t, a.SentAtUnix)
		assert.Empty(t, a.EncoderID)

		w, err := st.GetWorker(ctx, "enc-1")
		require.NoError(t, err)
		assert.Equal(t, model.WorkerOffline, w.Status)
		assert.Zero(t, w.CurrentJobs)
	})
}
