package archiver

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/urd/pkg/model"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	metricID := uuid.New()
	day := model.DayStart(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))

	in := []model.Sample{
		{Time: day.Add(time.Minute), MetricID: metricID, Value: 1.5, Labels: map[string]string{"host": "a", "dc": "x"}},
		{Time: day.Add(2 * time.Minute), MetricID: metricID, Value: -3, Labels: map[string]string{"host": "b"}},
		{Time: day.Add(3 * time.Minute), MetricID: metricID, Value: 0},
	}

	data, rawSize, labelKeys, err := packSegment(in)
	require.NoError(t, err)
	assert.Positive(t, rawSize)
	assert.Equal(t, []string{"dc", "host"}, labelKeys)

	out, err := unpackSegment(bytes.NewReader(data), metricID, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, out, len(in))
	for i := range in {
		assert.True(t, out[i].Time.Equal(in[i].Time))
		assert.Equal(t, in[i].Value, out[i].Value)
		assert.Equal(t, len(in[i].Labels), len(out[i].Labels))
		for k, v := range in[i].Labels {
			assert.Equal(t, v, out[i].Labels[k])
		}
	}
}

func TestUnpackFiltersRange(t *testing.T) {
	metricID := uuid.New()
	day := model.DayStart(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))

	data, _, _, err := packSegment([]model.Sample{
		{Time: day.Add(1 * time.Hour), MetricID: metricID, Value: 1},
		{Time: day.Add(12 * time.Hour), MetricID: metricID, Value: 2},
		{Time: day.Add(23 * time.Hour), MetricID: metricID, Value: 3},
	})
	require.NoError(t, err)

	// closed-open: the 12h sample is the upper bound and stays out
	out, err := unpackSegment(bytes.NewReader(data), metricID, day.Add(time.Hour), day.Add(12*time.Hour))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 1.0, out[0].Value)
}

// The on-disk format stores labels as a JSON object serialized inside a
// string. The reader must keep accepting that form and additionally a native
// object, so the double encoding can migrate away without rewriting old
// segments.
func TestArchiveRowLabelEncodings(t *testing.T) {
	var row archiveRow
	require.NoError(t, json.Unmarshal(
		[]byte(`{"timestamp": 1000, "metric_id": "x", "value": 2, "labels": "{\"host\":\"a\"}"}`), &row))
	assert.Equal(t, map[string]string{"host": "a"}, map[string]string(row.Labels))

	row = archiveRow{}
	require.NoError(t, json.Unmarshal(
		[]byte(`{"timestamp": 1000, "metric_id": "x", "value": 2, "labels": {"host":"a"}}`), &row))
	assert.Equal(t, map[string]string{"host": "a"}, map[string]string(row.Labels))

	row = archiveRow{}
	require.NoError(t, json.Unmarshal(
		[]byte(`{"timestamp": 1000, "metric_id": "x", "value": 2, "labels": "{}"}`), &row))
	assert.Empty(t, row.Labels)
}

func TestArchiveRowWritesStringEncodedLabels(t *testing.T) {
	b, err := json.Marshal(archiveRow{Timestamp: 1, MetricID: "m", Value: 2, Labels: encodedLabels{"host": "a"}})
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(b, &generic))
	_, isString := generic["labels"].(string)
	assert.True(t, isString, "labels must be written as a JSON string")
}

func TestSegmentFileIsPlainGzipJSON(t *testing.T) {
	metricID := uuid.New()
	day := model.DayStart(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	data, _, _, err := packSegment([]model.Sample{{Time: day, MetricID: metricID, Value: 7}})
	require.NoError(t, err)

	// stdlib gzip must be able to read what klauspost wrote
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer gz.Close()

	var rows []map[string]any
	require.NoError(t, json.NewDecoder(gz).Decode(&rows))
	require.Len(t, rows, 1)
	assert.Equal(t, metricID.String(), rows[0]["metric_id"])
	assert.Equal(t, float64(day.UnixMilli()), rows[0]["timestamp"])
}
