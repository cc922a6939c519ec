package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/urd/metricdb"
	"github.com/grafana/urd/pkg/model"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db, log.NewNopLogger()), mock
}

func TestInsertMetricDuplicateName(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO metrics`).
		WillReturnError(&pgconn.PgError{Code: uniqueViolation})
	mock.ExpectRollback()

	err := s.InsertMetric(context.Background(), &model.Metric{ID: uuid.New(), Name: "cpu_usage", Kind: model.Gauge})
	assert.ErrorIs(t, err, metricdb.ErrAlreadyExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMetricWritesSortedLabelRows(t *testing.T) {
	s, mock := newTestStore(t)

	m := &model.Metric{
		ID:            uuid.New(),
		Name:          "http_requests_total",
		Kind:          model.Counter,
		LabelSchema:   []string{"region", "host"},
		RetentionDays: 30,
		Active:        true,
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO metrics`).
		WithArgs(m.ID, m.Name, "COUNTER", "", "", 30, true, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO metric_labels`).
		WithArgs(m.ID, "host").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO metric_labels`).
		WithArgs(m.ID, "region").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.InsertMetric(context.Background(), m))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMetricByName(t *testing.T) {
	s, mock := newTestStore(t)

	id := uuid.New()
	now := time.Now().UTC()
	cols := []string{"id", "name", "metric_type", "description", "unit", "label_schema", "retention_days", "is_active", "created_at", "updated_at"}

	mock.ExpectQuery(`FROM metrics m LEFT JOIN metric_labels ml ON ml\.metric_id = m\.id WHERE m\.name = \$1 GROUP BY m\.id`).
		WithArgs("http_requests_total").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(id.String(), "http_requests_total", "COUNTER", "requests served", "requests", []byte(`["host","region"]`), 30, true, now, now))

	m, err := s.GetMetricByName(context.Background(), "http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, id, m.ID)
	assert.Equal(t, model.Counter, m.Kind)
	assert.Equal(t, []string{"host", "region"}, m.LabelSchema)
	assert.Equal(t, 30, m.RetentionDays)
	assert.True(t, m.Active)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMetricByNameNotFound(t *testing.T) {
	s, mock := newTestStore(t)

	cols := []string{"id", "name", "metric_type", "description", "unit", "label_schema", "retention_days", "is_active", "created_at", "updated_at"}
	mock.ExpectQuery(`FROM metrics m LEFT JOIN metric_labels`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(cols))

	_, err := s.GetMetricByName(context.Background(), "nope")
	assert.ErrorIs(t, err, metricdb.ErrNotFound)
}

func TestUpdateMetricNotFound(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(`UPDATE metrics`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateMetric(context.Background(), &model.Metric{ID: uuid.New(), Name: "gone"})
	assert.ErrorIs(t, err, metricdb.ErrNotFound)
}

func TestUpsertSamplesBatchPlaceholders(t *testing.T) {
	s, mock := newTestStore(t)

	id := uuid.New()
	now := time.Now().UTC()
	samples := []model.Sample{
		{Time: now, MetricID: id, Value: 1, Labels: map[string]string{"host": "a"}},
		{Time: now.Add(time.Second), MetricID: id, Value: 2},
	}

	mock.ExpectExec(`INSERT INTO metric_samples \(time, metric_id, value, labels\) VALUES \(\$1, \$2, \$3, \$4\), \(\$5, \$6, \$7, \$8\) ON CONFLICT \(time, metric_id, labels\) DO UPDATE SET value = EXCLUDED\.value`).
		WithArgs(now, id, 1.0, []byte(`{"host":"a"}`), now.Add(time.Second), id, 2.0, []byte(`{}`)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, s.UpsertSamples(context.Background(), samples))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertSamplesEmptyIsNoop(t *testing.T) {
	s, mock := newTestStore(t)

	require.NoError(t, s.UpsertSamples(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryRawDecodesLabels(t *testing.T) {
	s, mock := newTestStore(t)

	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT time, value, labels FROM metric_samples`).
		WithArgs(id, sqlmock.AnyArg(), sqlmock.AnyArg(), []byte(`{}`), 100).
		WillReturnRows(sqlmock.NewRows([]string{"time", "value", "labels"}).
			AddRow(now, 2.0, []byte(`{"host":"a"}`)).
			AddRow(now.Add(-time.Minute), 1.0, []byte(`{}`)))

	points, err := s.QueryRaw(context.Background(), id, now.Add(-time.Hour), now, nil, 100)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, map[string]string{"host": "a"}, points[0].Labels)
	assert.Nil(t, points[1].Labels)
}

func TestQueryBucketsUsesAggregateView(t *testing.T) {
	s, mock := newTestStore(t)

	id := uuid.New()
	end := time.Now().UTC().Truncate(time.Minute)
	start := end.Add(-time.Hour)

	mock.ExpectQuery(`FROM metric_samples_5m`).
		WithArgs(id, start.Truncate(5*time.Minute), end, []byte(`{}`)).
		WillReturnRows(sqlmock.NewRows([]string{"bucket", "avg", "sum", "min", "max", "count"}).
			AddRow(start, 2.5, 5.0, 1.0, 4.0, 2))

	rows, err := s.QueryBuckets(context.Background(), id, 5*time.Minute, start, end, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 2.5, rows[0].Avg)
	assert.Equal(t, int64(2), rows[0].Count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryBucketsFallsBackToTimeBucket(t *testing.T) {
	s, mock := newTestStore(t)

	id := uuid.New()
	end := time.Now().UTC()
	start := end.Add(-time.Hour)

	mock.ExpectQuery(`time_bucket\(\$1::interval, time\)`).
		WithArgs("120 seconds", id, start, end, []byte(`{}`)).
		WillReturnRows(sqlmock.NewRows([]string{"bucket", "avg", "sum", "min", "max", "count"}))

	_, err := s.QueryBuckets(context.Background(), id, 2*time.Minute, start, end, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPercentile(t *testing.T) {
	s, mock := newTestStore(t)

	id := uuid.New()
	end := time.Now().UTC()

	mock.ExpectQuery(`percentile_cont\(\$1\) WITHIN GROUP`).
		WithArgs(0.95, id, sqlmock.AnyArg(), sqlmock.AnyArg(), []byte(`{}`)).
		WillReturnRows(sqlmock.NewRows([]string{"percentile_cont"}).AddRow(42.5))

	v, ok, err := s.Percentile(context.Background(), id, 0.95, end.Add(-time.Hour), end, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 42.5, v)
}

func TestPercentileNoSamples(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(`percentile_cont`).
		WillReturnRows(sqlmock.NewRows([]string{"percentile_cont"}).AddRow(nil))

	_, ok, err := s.Percentile(context.Background(), uuid.New(), 0.5, time.Now().Add(-time.Hour), time.Now(), nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCountDistinctSeries(t *testing.T) {
	s, mock := newTestStore(t)

	id := uuid.New()
	mock.ExpectQuery(`count\(DISTINCT labels\)`).
		WithArgs(id, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	n, err := s.CountDistinctSeries(context.Background(), id, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestDeleteSamplesRangeLoopsUntilDrained(t *testing.T) {
	s, mock := newTestStore(t)

	id := uuid.New()
	for _, affected := range []int64{500, 120, 0} {
		mock.ExpectExec(`DELETE FROM metric_samples m USING`).
			WithArgs(id, sqlmock.AnyArg(), sqlmock.AnyArg(), 500).
			WillReturnResult(sqlmock.NewResult(0, affected))
	}

	total, err := s.DeleteSamplesRange(context.Background(), id, time.Now().Add(-48*time.Hour), time.Now().Add(-24*time.Hour), 500)
	require.NoError(t, err)
	assert.Equal(t, int64(620), total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOldestSampleBefore(t *testing.T) {
	s, mock := newTestStore(t)

	id := uuid.New()
	oldest := time.Now().UTC().Add(-72 * time.Hour)

	mock.ExpectQuery(`SELECT min\(time\) FROM metric_samples`).
		WithArgs(id, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(oldest))

	got, ok, err := s.OldestSampleBefore(context.Background(), id, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, oldest, got)

	mock.ExpectQuery(`SELECT min\(time\) FROM metric_samples`).
		WithArgs(id, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"min"}).AddRow(nil))

	_, ok, err = s.OldestSampleBefore(context.Background(), id, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInsertSegmentDuplicate(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(`INSERT INTO cold_storage_metadata`).
		WillReturnError(&pgconn.PgError{Code: uniqueViolation})

	seg := &model.ArchiveSegment{ID: uuid.New(), MetricID: uuid.New(), StoragePath: "metrics/x/2025-01-01.json.gz"}
	assert.ErrorIs(t, s.InsertSegment(context.Background(), seg), metricdb.ErrAlreadyExists)
}

func TestSegmentExists(t *testing.T) {
	s, mock := newTestStore(t)

	id := uuid.New()
	day := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(id, day).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.SegmentExists(context.Background(), id, day)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSegmentsOverlappingDecodesKeys(t *testing.T) {
	s, mock := newTestStore(t)

	segID := uuid.New()
	metricID := uuid.New()
	day := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cols := []string{"id", "metric_id", "start_time", "end_time", "storage_path", "file_format", "file_size_bytes", "row_count", "compression_ratio", "label_keys", "created_at"}

	mock.ExpectQuery(`FROM cold_storage_metadata WHERE metric_id = \$1 AND start_time <= \$3 AND end_time > \$2`).
		WithArgs(metricID, day, day.Add(48*time.Hour)).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(segID.String(), metricID.String(), day, day.Add(24*time.Hour), "metrics/x/2025-01-01.json.gz", "json.gz", 1024, 500, 4.2, []byte(`["host"]`), day))

	segs, err := s.SegmentsOverlapping(context.Background(), metricID, day, day.Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, segID, segs[0].ID)
	assert.Equal(t, []string{"host"}, segs[0].LabelKeys)
	assert.Equal(t, int64(500), segs[0].RowCount)
}

func TestDeleteSegmentNotFound(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec(`DELETE FROM cold_storage_metadata`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, s.DeleteSegment(context.Background(), uuid.New()), metricdb.ErrNotFound)
}

func TestSegmentStatsEmpty(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery(`FROM cold_storage_metadata`).
		WillReturnRows(sqlmock.NewRows([]string{"segments", "rows", "bytes", "oldest", "newest"}).
			AddRow(0, 0, 0, nil, nil))

	stats, err := s.SegmentStats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Segments)
	assert.True(t, stats.OldestDay.IsZero())
	assert.True(t, stats.NewestDay.IsZero())
}
