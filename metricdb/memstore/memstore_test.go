package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/urd/metricdb"
	"github.com/grafana/urd/pkg/model"
)

var (
	ctx = context.Background()
	t0  = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
)

func seed(t *testing.T, s *Store, metricID uuid.UUID, labels map[string]string, offsets []time.Duration, values []float64) {
	t.Helper()
	require.Equal(t, len(offsets), len(values))
	samples := make([]model.Sample, len(offsets))
	for i := range offsets {
		samples[i] = model.Sample{Time: t0.Add(offsets[i]), MetricID: metricID, Value: values[i], Labels: labels}
	}
	require.NoError(t, s.UpsertSamples(ctx, samples))
}

func TestMetricCRUD(t *testing.T) {
	s := New()
	m := &model.Metric{ID: uuid.New(), Name: "http_requests_total", Kind: model.Counter, RetentionDays: 30, Active: true}

	require.NoError(t, s.InsertMetric(ctx, m))
	assert.ErrorIs(t, s.InsertMetric(ctx, &model.Metric{ID: uuid.New(), Name: "http_requests_total"}), metricdb.ErrAlreadyExists)

	got, err := s.GetMetricByName(ctx, "http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)

	_, err = s.GetMetricByName(ctx, "nope")
	assert.ErrorIs(t, err, metricdb.ErrNotFound)

	got.Active = false
	require.NoError(t, s.UpdateMetric(ctx, got))

	active, err := s.ListMetrics(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := s.ListMetrics(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestUpsertReplacesValue(t *testing.T) {
	s := New()
	id := uuid.New()
	labels := map[string]string{"region": "us"}

	seed(t, s, id, labels, []time.Duration{0, time.Minute}, []float64{1, 2})
	// same key again with a new value
	seed(t, s, id, labels, []time.Duration{time.Minute}, []float64{99})

	pts, err := s.QueryRaw(ctx, id, t0, t0.Add(time.Hour), nil, 0)
	require.NoError(t, err)
	require.Len(t, pts, 2)
	assert.Equal(t, 99.0, pts[0].Value) // newest first
	assert.Equal(t, 1.0, pts[1].Value)
}

func TestQueryRawBoundsAndLabels(t *testing.T) {
	s := New()
	id := uuid.New()
	seed(t, s, id, map[string]string{"region": "us"}, []time.Duration{0, time.Minute, 2 * time.Minute}, []float64{1, 2, 3})
	seed(t, s, id, map[string]string{"region": "eu"}, []time.Duration{time.Minute}, []float64{10})

	// both bounds inclusive
	pts, err := s.QueryRaw(ctx, id, t0, t0.Add(2*time.Minute), nil, 0)
	require.NoError(t, err)
	assert.Len(t, pts, 4)

	pts, err = s.QueryRaw(ctx, id, t0, t0.Add(2*time.Minute), map[string]string{"region": "eu"}, 0)
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.Equal(t, 10.0, pts[0].Value)

	pts, err = s.QueryRaw(ctx, id, t0, t0.Add(2*time.Minute), nil, 2)
	require.NoError(t, err)
	assert.Len(t, pts, 2)
}

func TestQueryBuckets(t *testing.T) {
	s := New()
	id := uuid.New()
	seed(t, s, id, nil, []time.Duration{
		10 * time.Second, 20 * time.Second, // bucket one
		70 * time.Second, // bucket two
	}, []float64{1, 3, 10})

	rows, err := s.QueryBuckets(ctx, id, time.Minute, t0, t0.Add(2*time.Minute), nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, t0, rows[0].Bucket)
	assert.Equal(t, 2.0, rows[0].Avg)
	assert.Equal(t, 4.0, rows[0].Sum)
	assert.Equal(t, 1.0, rows[0].Min)
	assert.Equal(t, 3.0, rows[0].Max)
	assert.Equal(t, int64(2), rows[0].Count)

	assert.Equal(t, t0.Add(time.Minute), rows[1].Bucket)
	assert.Equal(t, int64(1), rows[1].Count)
}

func TestPercentileInterpolates(t *testing.T) {
	s := New()
	id := uuid.New()

	offsets := make([]time.Duration, 100)
	values := make([]float64, 100)
	for i := 0; i < 100; i++ {
		offsets[i] = time.Duration(i) * time.Second
		values[i] = float64(i + 1)
	}
	seed(t, s, id, nil, offsets, values)

	v, ok, err := s.Percentile(ctx, id, 0.95, t0, t0.Add(time.Hour), nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 95.05, v, 1e-9)

	v, ok, err = s.Percentile(ctx, id, 0.50, t0, t0.Add(time.Hour), nil)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 50.5, v, 1e-9)

	_, ok, err = s.Percentile(ctx, uuid.New(), 0.5, t0, t0.Add(time.Hour), nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCountDistinctSeries(t *testing.T) {
	s := New()
	id := uuid.New()
	seed(t, s, id, map[string]string{"host": "a"}, []time.Duration{0}, []float64{1})
	seed(t, s, id, map[string]string{"host": "b"}, []time.Duration{time.Hour}, []float64{1})
	seed(t, s, id, map[string]string{"host": "c"}, []time.Duration{2 * time.Hour}, []float64{1})

	n, err := s.CountDistinctSeries(ctx, id, t0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// host=a's only sample predates the window
	n, err = s.CountDistinctSeries(ctx, id, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSamplesForRangePagination(t *testing.T) {
	s := New()
	id := uuid.New()
	offsets := make([]time.Duration, 10)
	values := make([]float64, 10)
	for i := range offsets {
		offsets[i] = time.Duration(i) * time.Minute
		values[i] = float64(i)
	}
	seed(t, s, id, nil, offsets, values)

	var got []model.Sample
	for offset := 0; ; offset += 3 {
		page, err := s.SamplesForRange(ctx, id, t0, t0.Add(time.Hour), 3, offset)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		got = append(got, page...)
	}

	require.Len(t, got, 10)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i].Time.After(got[i-1].Time))
	}

	// end bound is exclusive for the archival path
	page, err := s.SamplesForRange(ctx, id, t0, t0.Add(9*time.Minute), 100, 0)
	require.NoError(t, err)
	assert.Len(t, page, 9)
}

func TestDeleteSamplesRange(t *testing.T) {
	s := New()
	id := uuid.New()
	seed(t, s, id, nil, []time.Duration{0, time.Minute, 2 * time.Minute}, []float64{1, 2, 3})

	n, err := s.DeleteSamplesRange(ctx, id, t0, t0.Add(2*time.Minute), 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	pts, err := s.QueryRaw(ctx, id, t0, t0.Add(time.Hour), nil, 0)
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.Equal(t, 3.0, pts[0].Value)
}

func TestDistinctMetricIDsBefore(t *testing.T) {
	s := New()
	oldMetric, newMetric := uuid.New(), uuid.New()
	seed(t, s, oldMetric, nil, []time.Duration{0}, []float64{1})
	seed(t, s, newMetric, nil, []time.Duration{48 * time.Hour}, []float64{1})

	ids, err := s.DistinctMetricIDsBefore(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, oldMetric, ids[0])
}

func TestOldestSampleBefore(t *testing.T) {
	s := New()
	id := uuid.New()
	seed(t, s, id, nil, []time.Duration{time.Hour, 2 * time.Hour}, []float64{1, 2})

	got, ok, err := s.OldestSampleBefore(ctx, id, t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t0.Add(time.Hour), got)

	_, ok, err = s.OldestSampleBefore(ctx, id, t0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSegments(t *testing.T) {
	s := New()
	id := uuid.New()
	day := model.DayStart(t0)
	seg := &model.ArchiveSegment{
		ID:            uuid.New(),
		MetricID:      id,
		StartTime:     day,
		EndTime:       day.Add(24 * time.Hour),
		RowCount:      100,
		FileSizeBytes: 2048,
	}

	require.NoError(t, s.InsertSegment(ctx, seg))
	assert.ErrorIs(t, s.InsertSegment(ctx, seg), metricdb.ErrAlreadyExists)

	ok, err := s.SegmentExists(ctx, id, day)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SegmentExists(ctx, id, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	overlapping, err := s.SegmentsOverlapping(ctx, id, day.Add(time.Hour), day.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, overlapping, 1)

	overlapping, err = s.SegmentsOverlapping(ctx, id, day.Add(25*time.Hour), day.Add(26*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, overlapping)

	stats, err := s.SegmentStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Segments)
	assert.Equal(t, int64(100), stats.Rows)
	assert.Equal(t, int64(2048), stats.Bytes)

	before, err := s.SegmentsBefore(ctx, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, before, 1)

	require.NoError(t, s.DeleteSegment(ctx, seg.ID))
	assert.ErrorIs(t, s.DeleteSegment(ctx, seg.ID), metricdb.ErrNotFound)
}
