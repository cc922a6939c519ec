package cardinality

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/grafana/urd/pkg/api"
	"github.com/grafana/urd/pkg/model"
)

// NameVar is the mux route variable holding the metric name.
const NameVar = "name"

// MetricResolver looks a metric definition up by name. *registry.Registry
// satisfies it.
type MetricResolver interface {
	GetByName(ctx context.Context, name string) (*model.Metric, error)
}

// Handler serves per-metric cardinality reports.
type Handler struct {
	guard    *Guard
	resolver MetricResolver
}

func NewHandler(guard *Guard, resolver MetricResolver) *Handler {
	return &Handler{guard: guard, resolver: resolver}
}

type statsResponse struct {
	MetricName string `json:"metricName"`
	Stats
}

// StatsHandler is GET /api/v1/metrics/{name}/cardinality.
func (h *Handler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)[NameVar]

	m, err := h.resolver.GetByName(r.Context(), name)
	if err != nil {
		api.WriteError(w, err)
		return
	}

	api.WriteJSON(w, http.StatusOK, statsResponse{
		MetricName: m.Name,
		Stats:      h.guard.Stats(r.Context(), m.ID),
	})
}
