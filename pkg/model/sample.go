package model

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sample is one measured value of a metric at a point in time. Samples are
// keyed by (time, metric id, labels); writing the same key twice replaces the
// value.
type Sample struct {
	Time     time.Time
	MetricID uuid.UUID
	Value    float64
	Labels   map[string]string
}

// IncomingSample is the ingest wire form. It references the metric by name
// and is resolved to a Sample during validation. A zero timestamp means "now".
type IncomingSample struct {
	MetricName string            `json:"metricName"`
	Value      float64           `json:"value"`
	Timestamp  time.Time         `json:"timestamp,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// MetricPoint is a single query result value.
type MetricPoint struct {
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// BucketRow is one time bucket folded across every series that matched the
// query. The five aggregates are carried together so a caller can pick one
// without re-querying.
type BucketRow struct {
	Bucket time.Time
	Avg    float64
	Sum    float64
	Min    float64
	Max    float64
	Count  int64
}

// SeriesKey canonically identifies a series: the metric id followed by the
// label pairs in sorted key order. Two samples with equal keys belong to the
// same series.
func SeriesKey(metricID uuid.UUID, labels map[string]string) string {
	if len(labels) == 0 {
		return metricID.String()
	}
	return metricID.String() + "|" + LabelsKey(labels)
}

// LabelsKey renders a label set as "k=v|k=v" in sorted key order. Equal label
// sets always produce equal keys.
func LabelsKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(labels[k])
	}
	return sb.String()
}
