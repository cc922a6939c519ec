package ingester

import (
	"net/http"

	"github.com/grafana/urd/pkg/api"
	"github.com/grafana/urd/pkg/apierror"
	"github.com/grafana/urd/pkg/model"
)

type pushRequest struct {
	Metrics []model.IncomingSample `json:"metrics"`
}

// PushHandler is POST /api/v1/metrics/ingest. It answers 202: acceptance
// means the samples are buffered, not yet durably stored.
func (i *Ingester) PushHandler(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, err)
		return
	}

	res, err := i.Push(r.Context(), req.Metrics)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusAccepted, res)
}

// FlushHandler is POST /api/v1/ingest/flush.
func (i *Ingester) FlushHandler(w http.ResponseWriter, r *http.Request) {
	if err := i.Flush(r.Context()); err != nil {
		api.WriteError(w, apierror.Wrap(apierror.KindTransient, err, "flush failed"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StatsHandler is GET /api/v1/ingest/stats.
func (i *Ingester) StatsHandler(w http.ResponseWriter, r *http.Request) {
	api.WriteJSON(w, http.StatusOK, i.Stats())
}
