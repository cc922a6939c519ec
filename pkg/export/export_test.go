package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/urd/pkg/model"
)

func testResult() *model.QueryResult {
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &model.QueryResult{
		Metric: "cpu_usage",
		Data: []model.MetricPoint{
			{Timestamp: t0.Add(2 * time.Minute), Value: 0.75, Labels: map[string]string{"host": "b", "dc": "x"}},
			{Timestamp: t0.Add(1 * time.Minute), Value: 0.5, Labels: map[string]string{"host": "a"}},
			{Timestamp: t0, Value: -1.25},
		},
		TotalPoints: 3,
	}
}

func TestJSONRoundTrip(t *testing.T) {
	res := testResult()

	var buf bytes.Buffer
	require.NoError(t, JSON(&buf, res))
	assert.True(t, strings.HasPrefix(buf.String(), "{\n"), "output is indented")

	var back model.QueryResult
	require.NoError(t, json.Unmarshal(buf.Bytes(), &back))
	require.Empty(t, cmp.Diff(*res, back))
}

func TestCSVRoundTrip(t *testing.T) {
	res := testResult()

	var buf bytes.Buffer
	require.NoError(t, CSV(&buf, res))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"timestamp", "metric", "value", "labels"}, rows[0])

	for i, p := range res.Data {
		row := rows[i+1]
		ts, err := time.Parse(time.RFC3339Nano, row[0])
		require.NoError(t, err)
		assert.True(t, ts.Equal(p.Timestamp))
		assert.Equal(t, "cpu_usage", row[1])

		v, err := strconv.ParseFloat(row[2], 64)
		require.NoError(t, err)
		assert.Equal(t, p.Value, v)

		var labels map[string]string
		require.NoError(t, json.Unmarshal([]byte(row[3]), &labels))
		assert.Equal(t, len(p.Labels), len(labels))
		for k, want := range p.Labels {
			assert.Equal(t, want, labels[k])
		}
	}
}

func TestLineProtocol(t *testing.T) {
	res := testResult()

	var buf bytes.Buffer
	require.NoError(t, LineProtocol(&buf, res))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)

	// label keys sorted
	assert.Equal(t, `cpu_usage{dc="x",host="b"} 0.75 1748779320000`, lines[0])
	assert.Equal(t, `cpu_usage{host="a"} 0.5 1748779260000`, lines[1])
	// no labels, no brace group
	assert.Equal(t, `cpu_usage -1.25 1748779200000`, lines[2])
}

func TestLineProtocolEmptyResult(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, LineProtocol(&buf, &model.QueryResult{Metric: "empty"}))
	assert.Empty(t, buf.String())
}
