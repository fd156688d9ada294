// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voslund/fetchd/internal/model"
	"github.com/voslund/fetchd/internal/store"
)

type executionView struct {
	*model.PipelineExecution
	StepRuns []*model.StepExecution `json:"stepRuns,omitempty"`
}

func (s *Server) handleExecutionList(w http.ResponseWriter, r *http.Request) {
	execs, err := s.Store.ListExecutions(r.Context(), r.URL.Query().Get("requestId"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) handleExecutionGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exec, err := s.Store.GetExecution(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	steps, err := s.Store.ListStepExecutions(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, executionView{PipelineExecution: exec, StepRuns: steps})
}

func (s *Server) handleExecutionPause(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.PauseExecution(r.Context(), chi.URLParam(r, "id"), model.PauseAwaitingApproval); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleExecutionResume(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.ResumeExecution(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) handleExecutionCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.Engine.CancelExecution(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type approvalBody struct {
	Approved bool   `json:"approved"`
	By       string `json:"by,omitempty"`
}

// handleExecutionApprove records the approval decision on the execution
// context and resumes it; the APPROVAL step consumes the decision.
func (s *Server) handleExecutionApprove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body approvalBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed approval: "+err.Error())
		return
	}

	_, err := s.Store.UpdateExecution(r.Context(), id, func(exec *model.PipelineExecution) error {
		if exec.Status != model.ExecutionPaused || exec.PauseReason != model.PauseAwaitingApproval {
			return store.ErrConflict
		}
		if exec.Context == nil {
			exec.Context = &model.Context{}
		}
		exec.Context.Approval = &model.ApprovalOutput{
			Approved: body.Approved,
			By:       body.By,
			AtUnix:   time.Now().Unix(),
		}
		return nil
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := s.Engine.ResumeExecution(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) handleWorkerList(w http.ResponseWriter, r *http.Request) {
	workers, err := s.Store.ListWorkers(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workers)
}
