// Package api holds the JSON plumbing shared by the module HTTP handlers.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/grafana/urd/pkg/apierror"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// WriteJSON renders v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError renders err as the canonical error body, mapping its kind to an
// HTTP status.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, apierror.HTTPStatus(err), errorResponse{
		Error: err.Error(),
		Kind:  apierror.KindOf(err).String(),
	})
}

// DecodeJSON reads the request body into v. Malformed bodies surface as
// BadInput so the caller can pass the error straight to WriteError.
func DecodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierror.New(apierror.KindBadInput, "invalid request body: %v", err)
	}
	return nil
}
