// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voslund/fetchd/internal/model"
	"github.com/voslund/fetchd/internal/pipeline"
	"github.com/voslund/fetchd/internal/request"
	"github.com/voslund/fetchd/internal/store"
)

func newTestServer(t *testing.T) (*Server, store.StateStore, *pipeline.Engine) {
	t.Helper()
	st := store.NewMemoryStore()
	reg := pipeline.NewRegistry()
	reg.MustRegister(model.StepNotification, func() pipeline.Handler { return &noopHandler{} })
	eng := pipeline.NewEngine(context.Background(), st, reg)

	return &Server{
		Store:       st,
		Requests:    request.NewService(st, eng),
		Engine:      eng,
		EncoderPath: "/ws/encoder",
		APIToken:    "sekrit",
	}, st, eng
}

type noopHandler struct {
	pipeline.BaseHandler
}

func (noopHandler) ValidateConfig(map[string]any) error { return nil }

func (noopHandler) Execute(context.Context, *model.Context, map[string]any, pipeline.ProgressFunc) (*pipeline.StepOutput, error) {
	return &pipeline.StepOutput{Success: true}, nil
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doJSON(t, s.Router(), http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMutatingRoutesRequireAuth(t *testing.T) {
	s, _, _ := newTestServer(t)
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/pipelines", "", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/pipelines", "wrong", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/requests", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "reads stay open")
}

func TestTemplateCRUD(t *testing.T) {
	s, _, _ := newTestServer(t)
	router := s.Router()

	tpl := map[string]any{
		"name":      "movie-basic",
		"mediaKind": "movie",
		"steps": []map[string]any{{
			"type": "NOTIFICATION", "name": "notify", "required": true,
		}},
	}
	rec := doJSON(t, router, http.MethodPost, "/api/pipelines", "sekrit", tpl)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created model.Template
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	rec = doJSON(t, router, http.MethodGet, "/api/pipelines/"+created.ID, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Invalid template rejected.
	bad := map[string]any{"name": "", "mediaKind": "movie"}
	rec = doJSON(t, router, http.MethodPost, "/api/pipelines", "sekrit", bad)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/api/pipelines/"+created.ID, "sekrit", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/pipelines/"+created.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	s, st, eng := newTestServer(t)
	router := s.Router()
	ctx := context.Background()

	require.NoError(t, st.PutTemplate(ctx, &model.Template{
		ID: "tpl-1", Name: "t", MediaKind: model.MediaMovie,
		Steps: []model.Step{{Type: model.StepNotification, Name: "noop", Required: true}},
	}))

	body := map[string]any{
		"kind": "movie", "tmdbId": 42, "title": "Arrival", "year": 2016,
		"targets": []string{"library"}, "templateId": "tpl-1",
	}
	rec := doJSON(t, router, http.MethodPost, "/api/requests", "sekrit", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created model.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	eng.Wait()

	rec = doJSON(t, router, http.MethodGet, "/api/requests/"+created.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/executions?requestId="+created.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var execs []*model.PipelineExecution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &execs))
	require.Len(t, execs, 1)
	assert.Equal(t, model.ExecutionCompleted, execs[0].Status)

	rec = doJSON(t, router, http.MethodGet, "/api/executions/"+execs[0].ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view executionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Len(t, view.StepRuns, 1)
	assert.Equal(t, model.StepCompleted, view.StepRuns[0].Status)
}

func TestExecutionPauseResumeCancelOverHTTP(t *testing.T) {
	s, st, _ := newTestServer(t)
	router := s.Router()
	ctx := context.Background()

	exec := &model.PipelineExecution{
		ID: "ex-1", RequestID: "req-1", TemplateID: "tpl-1",
		Status:        model.ExecutionRunning,
		Steps:         []model.Step{{Type: model.StepNotification, Name: "noop", Required: true}},
		Context:       &model.Context{RequestID: "req-1"},
		StartedAtUnix: time.Now().Unix(),
	}
	require.NoError(t, st.PutExecution(ctx, exec))
	require.NoError(t, st.CreateStepExecutions(ctx, []*model.StepExecution{{
		ID: "se-0", ExecutionID: "ex-1", StepOrder: 0,
		StepType: model.StepNotification, Name: "noop", Status: model.StepCompleted,
	}}))

	rec := doJSON(t, router, http.MethodPost, "/api/executions/ex-1/pause", "sekrit", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := st.GetExecution(ctx, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionPaused, got.Status)

	rec = doJSON(t, router, http.MethodPost, "/api/executions/ex-1/cancel", "sekrit", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/executions/ex-1/cancel", "sekrit", nil)
	require.Equal(t, http.StatusOK, rec.Code, "cancel is idempotent")

	rec = doJSON(t, router, http.MethodPost, "/api/executions/ex-1/resume", "sekrit", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "cancelled executions do not resume")
}

func TestWorkerList(t *testing.T) {
	s, st, _ := newTestServer(t)
	require.NoError(t, st.PutWorker(context.Background(), &model.EncoderWorker{
		ID: "enc-1", Status: model.WorkerIdle, MaxConcurrent: 2,
	}))

	rec := doJSON(t, s.Router(), http.MethodGet, "/api/workers", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var workers []*model.EncoderWorker
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &workers))
	require.Len(t, workers, 1)
	assert.Equal(t, "enc-1", workers[0].ID)
}
