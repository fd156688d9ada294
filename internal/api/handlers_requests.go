// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/voslund/fetchd/internal/model"
	"github.com/voslund/fetchd/internal/request"
)

type requestView struct {
	*model.Request
	Items []*model.ProcessingItem `json:"items,omitempty"`
}

func (s *Server) handleRequestList(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.Store.ListRequests(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (s *Server) handleRequestGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, err := s.Store.GetRequest(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	items, err := s.Store.ListItemsByRequest(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requestView{Request: req, Items: items})
}

func (s *Server) handleRequestCreate(w http.ResponseWriter, r *http.Request) {
	var in request.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	req, err := s.Requests.Create(r.Context(), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleRequestCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Requests.Cancel(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleRequestRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Requests.Retry(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "retrying"})
}
