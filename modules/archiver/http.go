package archiver

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/grafana/urd/pkg/api"
	"github.com/grafana/urd/pkg/apierror"
	"github.com/grafana/urd/pkg/model"
)

// StatsHandler is GET /api/v1/archive/stats.
func (a *Archiver) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Stats(r.Context())
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, stats)
}

// TriggerHandler is POST /api/v1/archive/trigger. The run continues in the
// background; 202 only means it started.
func (a *Archiver) TriggerHandler(w http.ResponseWriter, _ *http.Request) {
	if err := a.Trigger(); err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// QueryHandler is GET /api/v1/archive/query?metricId=...&start=...&end=...
// with RFC 3339 bounds, end exclusive.
func (a *Archiver) QueryHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	metricID, err := uuid.Parse(q.Get("metricId"))
	if err != nil {
		api.WriteError(w, apierror.New(apierror.KindBadInput, "invalid metricId: %v", err))
		return
	}
	start, err := time.Parse(time.RFC3339, q.Get("start"))
	if err != nil {
		api.WriteError(w, apierror.New(apierror.KindBadInput, "invalid start: %v", err))
		return
	}
	end, err := time.Parse(time.RFC3339, q.Get("end"))
	if err != nil {
		api.WriteError(w, apierror.New(apierror.KindBadInput, "invalid end: %v", err))
		return
	}

	it, err := a.QueryArchive(r.Context(), metricID, start, end)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	samples, err := it.Drain(r.Context(), 0)
	if err != nil {
		api.WriteError(w, err)
		return
	}

	points := make([]model.MetricPoint, len(samples))
	for i, s := range samples {
		points[i] = model.MetricPoint{Timestamp: s.Time, Value: s.Value, Labels: s.Labels}
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"metricId": metricID,
		"data":     points,
		"count":    len(points),
	})
}

// CleanupHandler is DELETE /api/v1/archive/segments?before=RFC3339.
func (a *Archiver) CleanupHandler(w http.ResponseWriter, r *http.Request) {
	before, err := time.Parse(time.RFC3339, r.URL.Query().Get("before"))
	if err != nil {
		api.WriteError(w, apierror.New(apierror.KindBadInput, "invalid before: %v", err))
		return
	}

	removed, err := a.CleanupSegments(r.Context(), before)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
