package querier

import (
	"net/http"
	"time"

	"github.com/grafana/urd/pkg/api"
	"github.com/grafana/urd/pkg/apierror"
	"github.com/grafana/urd/pkg/export"
	"github.com/grafana/urd/pkg/model"
)

// queryRequest is the wire shape of POST /api/v1/metrics/query.
type queryRequest struct {
	MetricName  string            `json:"metricName"`
	StartTime   *time.Time        `json:"startTime,omitempty"`
	EndTime     *time.Time        `json:"endTime,omitempty"`
	Aggregation string            `json:"aggregation,omitempty"`
	Interval    string            `json:"interval,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Limit       int               `json:"limit,omitempty"`
	Format      string            `json:"format,omitempty"`
}

// QueryHandler is POST /api/v1/metrics/query. The format field selects the
// response rendering: json (default), csv or line.
func (q *Querier) QueryHandler(w http.ResponseWriter, r *http.Request) {
	var body queryRequest
	if err := api.DecodeJSON(r, &body); err != nil {
		api.WriteError(w, err)
		return
	}

	agg, err := model.ParseAggregation(body.Aggregation)
	if err != nil {
		api.WriteError(w, apierror.New(apierror.KindBadInput, "%v", err))
		return
	}
	switch body.Format {
	case "", "json", "csv", "line":
	default:
		api.WriteError(w, apierror.New(apierror.KindBadInput, "unsupported format %q, must be json, csv or line", body.Format))
		return
	}

	req := model.QueryRequest{
		MetricName:  body.MetricName,
		Aggregation: agg,
		Interval:    body.Interval,
		Labels:      body.Labels,
		Limit:       body.Limit,
	}
	if body.StartTime != nil {
		req.Start = *body.StartTime
	}
	if body.EndTime != nil {
		req.End = *body.EndTime
	}

	res, err := q.Query(r.Context(), req)
	if err != nil {
		api.WriteError(w, err)
		return
	}

	switch body.Format {
	case "", "json":
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = export.JSON(w, res)
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.WriteHeader(http.StatusOK)
		_ = export.CSV(w, res)
	default: // line
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_ = export.LineProtocol(w, res)
	}
}
