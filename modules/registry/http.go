package registry

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/grafana/urd/pkg/api"
	"github.com/grafana/urd/pkg/apierror"
)

// Route variable names, shared with the router setup.
const (
	NameVar = "name"
	IDVar   = "id"
)

func (r *Registry) RegisterHandler(w http.ResponseWriter, req *http.Request) {
	var body RegisterRequest
	if err := api.DecodeJSON(req, &body); err != nil {
		api.WriteError(w, err)
		return
	}

	m, err := r.Register(req.Context(), body)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, m)
}

func (r *Registry) ListHandler(w http.ResponseWriter, req *http.Request) {
	includeInactive := req.URL.Query().Get("includeInactive") == "true"

	metrics, err := r.List(req.Context(), includeInactive)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, metrics)
}

func (r *Registry) GetHandler(w http.ResponseWriter, req *http.Request) {
	name := mux.Vars(req)[NameVar]

	m, err := r.GetByName(req.Context(), name)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, m)
}

func (r *Registry) UpdateHandler(w http.ResponseWriter, req *http.Request) {
	id, err := uuid.Parse(mux.Vars(req)[IDVar])
	if err != nil {
		api.WriteError(w, apierror.New(apierror.KindBadInput, "invalid metric id: %v", err))
		return
	}

	var body UpdateRequest
	if err := api.DecodeJSON(req, &body); err != nil {
		api.WriteError(w, err)
		return
	}

	m, err := r.Update(req.Context(), id, body)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, m)
}

func (r *Registry) DeleteHandler(w http.ResponseWriter, req *http.Request) {
	id, err := uuid.Parse(mux.Vars(req)[IDVar])
	if err != nil {
		api.WriteError(w, apierror.New(apierror.KindBadInput, "invalid metric id: %v", err))
		return
	}

	if err := r.SoftDelete(req.Context(), id); err != nil {
		api.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
