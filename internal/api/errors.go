// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/voslund/fetchd/internal/faults"
	"github.com/voslund/fetchd/internal/store"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeServiceError maps store and fault errors onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		var f *faults.Fault
		if errors.As(err, &f) {
			switch f.Kind {
			case faults.KindValidation, faults.KindInvalid:
				writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error(), Kind: string(f.Kind)})
				return
			case faults.KindNotFound:
				writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Kind: string(f.Kind)})
				return
			}
		}
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
