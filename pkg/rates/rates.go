// Package rates derives per-second rates from raw counter samples.
package rates

import (
	"sort"

	"github.com/grafana/urd/pkg/model"
)

// Compute turns raw counter samples into per-second rates. Samples are
// grouped into series by label set; within a series each adjacent pair of
// samples yields one point at the later timestamp, so the first sample of a
// series produces nothing. A value drop between two samples is treated as a
// counter reset and the increase restarts from the current value. Pairs with
// a non-positive time delta are skipped. The result is ordered newest first
// and never contains negative rates.
func Compute(points []model.MetricPoint) []model.MetricPoint {
	bySeries := make(map[string][]model.MetricPoint)
	for _, p := range points {
		k := model.LabelsKey(p.Labels)
		bySeries[k] = append(bySeries[k], p)
	}

	out := make([]model.MetricPoint, 0, len(points))
	for _, series := range bySeries {
		sort.Slice(series, func(i, j int) bool { return series[i].Timestamp.Before(series[j].Timestamp) })
		for i := 1; i < len(series); i++ {
			prev, curr := series[i-1], series[i]
			dt := curr.Timestamp.Sub(prev.Timestamp).Seconds()
			if dt <= 0 {
				continue
			}
			dv := curr.Value - prev.Value
			if dv < 0 {
				// counter reset, the counter restarted at or below the current value
				dv = curr.Value
			}
			if dv < 0 {
				dv = 0
			}
			out = append(out, model.MetricPoint{Timestamp: curr.Timestamp, Value: dv / dt, Labels: curr.Labels})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return model.LabelsKey(out[i].Labels) < model.LabelsKey(out[j].Labels)
	})
	return out
}
