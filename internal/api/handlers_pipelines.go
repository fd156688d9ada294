// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/voslund/fetchd/internal/model"
)

func (s *Server) handleTemplateList(w http.ResponseWriter, r *http.Request) {
	tpls, err := s.Store.ListTemplates(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpls)
}

func (s *Server) handleTemplateGet(w http.ResponseWriter, r *http.Request) {
	tpl, err := s.Store.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleTemplateCreate(w http.ResponseWriter, r *http.Request) {
	var tpl model.Template
	if err := json.NewDecoder(r.Body).Decode(&tpl); err != nil {
		writeError(w, http.StatusBadRequest, "malformed template: "+err.Error())
		return
	}
	if err := tpl.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	now := time.Now().Unix()
	tpl.ID = uuid.New().String()
	tpl.CreatedAtUnix = now
	tpl.UpdatedAtUnix = now
	if err := s.Store.PutTemplate(r.Context(), &tpl); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

// handleTemplateUpdate replaces a template. In-flight executions keep their
// snapshot; only future executions see the edit.
func (s *Server) handleTemplateUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.Store.GetTemplate(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	var tpl model.Template
	if err := json.NewDecoder(r.Body).Decode(&tpl); err != nil {
		writeError(w, http.StatusBadRequest, "malformed template: "+err.Error())
		return
	}
	if err := tpl.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	tpl.ID = existing.ID
	tpl.CreatedAtUnix = existing.CreatedAtUnix
	tpl.UpdatedAtUnix = time.Now().Unix()
	if err := s.Store.PutTemplate(r.Context(), &tpl); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleTemplateDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DeleteTemplate(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
