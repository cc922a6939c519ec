package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Aggregation selects the server-side reduction applied to a query. The zero
// value means raw samples.
type Aggregation string

const (
	AggNone  Aggregation = ""
	AggSum   Aggregation = "SUM"
	AggAvg   Aggregation = "AVG"
	AggMin   Aggregation = "MIN"
	AggMax   Aggregation = "MAX"
	AggCount Aggregation = "COUNT"
	AggP50   Aggregation = "P50"
	AggP75   Aggregation = "P75"
	AggP90   Aggregation = "P90"
	AggP95   Aggregation = "P95"
	AggP99   Aggregation = "P99"
	AggRate  Aggregation = "RATE"
)

var quantiles = map[Aggregation]float64{
	AggP50: 0.50,
	AggP75: 0.75,
	AggP90: 0.90,
	AggP95: 0.95,
	AggP99: 0.99,
}

// SupportedAggregations lists every non-raw aggregation in a stable order.
var SupportedAggregations = []Aggregation{
	AggSum, AggAvg, AggMin, AggMax, AggCount,
	AggP50, AggP75, AggP90, AggP95, AggP99,
	AggRate,
}

func ParseAggregation(s string) (Aggregation, error) {
	a := Aggregation(strings.ToUpper(s))
	if a == AggNone || a == "NONE" {
		return AggNone, nil
	}
	for _, valid := range SupportedAggregations {
		if a == valid {
			return a, nil
		}
	}
	return "", fmt.Errorf("unsupported aggregation %q, must be one of %v", s, SupportedAggregations)
}

// IsPercentile reports whether a is one of the P50..P99 reductions.
func (a Aggregation) IsPercentile() bool {
	_, ok := quantiles[a]
	return ok
}

// Quantile returns the quantile in (0, 1) for percentile aggregations and 0
// otherwise.
func (a Aggregation) Quantile() float64 {
	return quantiles[a]
}

var intervalRegexp = regexp.MustCompile(`^(\d+)([smhd])$`)

// ParseInterval converts bucket interval strings like "30s", "15m", "1h" or
// "7d" into a duration. Anything else, including zero-width intervals, is an
// error.
func ParseInterval(s string) (time.Duration, error) {
	m := intervalRegexp.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid interval %q, expected a number followed by s, m, h or d", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q, width must be a positive integer", s)
	}
	switch m[2] {
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	default:
		return time.Duration(n) * 24 * time.Hour, nil
	}
}

// QueryRequest is a fully resolved query: defaults applied, times in UTC,
// aggregation and interval validated by the planner.
type QueryRequest struct {
	MetricName  string
	Start       time.Time
	End         time.Time
	Labels      map[string]string
	Aggregation Aggregation
	Interval    string
	Limit       int
}

// QueryResult is the engine's answer to one query. Data is ordered newest
// first.
type QueryResult struct {
	Metric      string        `json:"metric"`
	Data        []MetricPoint `json:"data"`
	Aggregation Aggregation   `json:"aggregation,omitempty"`
	Interval    string        `json:"interval,omitempty"`
	TotalPoints int           `json:"totalPoints"`
}
