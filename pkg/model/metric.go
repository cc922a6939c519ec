package model

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MetricKind classifies how samples of a metric are interpreted. Counters are
// monotonically increasing totals, gauges are point-in-time values. Histogram
// and summary metrics can be registered but their samples are stored as plain
// values.
type MetricKind string

const (
	Counter   MetricKind = "COUNTER"
	Gauge     MetricKind = "GAUGE"
	Histogram MetricKind = "HISTOGRAM"
	Summary   MetricKind = "SUMMARY"
)

// SupportedKinds is a slice of every kind accepted at registration.
var SupportedKinds = []MetricKind{Counter, Gauge, Histogram, Summary}

func ParseMetricKind(s string) (MetricKind, error) {
	k := MetricKind(strings.ToUpper(s))
	for _, valid := range SupportedKinds {
		if k == valid {
			return k, nil
		}
	}
	return "", fmt.Errorf("unsupported metric type %q, must be one of %v", s, SupportedKinds)
}

// Metric is one registered series family. The name is unique across the
// store and the label schema fixes the exact set of label keys every sample
// of the metric must carry.
type Metric struct {
	ID            uuid.UUID  `json:"id"`
	Name          string     `json:"name"`
	Kind          MetricKind `json:"type"`
	Description   string     `json:"description,omitempty"`
	Unit          string     `json:"unit,omitempty"`
	LabelSchema   []string   `json:"labels"`
	RetentionDays int        `json:"retentionDays"`
	Active        bool       `json:"isActive"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// NormalizeSchema sorts the label schema in place and returns it. Schemas are
// kept sorted so set comparisons and canonical series keys stay cheap.
func (m *Metric) NormalizeSchema() []string {
	sort.Strings(m.LabelSchema)
	return m.LabelSchema
}

// Clone returns a copy that shares no mutable state with the receiver.
func (m *Metric) Clone() *Metric {
	c := *m
	if m.LabelSchema != nil {
		c.LabelSchema = append([]string(nil), m.LabelSchema...)
	}
	return &c
}

// SchemaDiff compares the label keys of a sample against the metric's schema
// and returns the keys the sample is missing and the keys it carries that the
// schema does not declare. Both slices are sorted and empty on an exact match.
func (m *Metric) SchemaDiff(labels map[string]string) (missing, unexpected []string) {
	declared := make(map[string]struct{}, len(m.LabelSchema))
	for _, k := range m.LabelSchema {
		declared[k] = struct{}{}
		if _, ok := labels[k]; !ok {
			missing = append(missing, k)
		}
	}
	for k := range labels {
		if _, ok := declared[k]; !ok {
			unexpected = append(unexpected, k)
		}
	}
	sort.Strings(missing)
	sort.Strings(unexpected)
	return missing, unexpected
}
