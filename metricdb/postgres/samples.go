package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/grafana/urd/pkg/model"
)

// bucketViews maps the standard intervals to their continuous aggregate
// views. Other intervals are bucketed on the fly with time_bucket.
var bucketViews = map[time.Duration]string{
	5 * time.Minute: "metric_samples_5m",
	time.Hour:       "metric_samples_1h",
	24 * time.Hour:  "metric_samples_1d",
}

// pgInterval renders a duration as the interval literal used everywhere a
// bucket width is passed to the database.
func pgInterval(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}

func labelsJSON(labels map[string]string) ([]byte, error) {
	if len(labels) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(labels)
}

func decodeLabels(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var labels map[string]string
	if err := json.Unmarshal(raw, &labels); err != nil {
		return nil, fmt.Errorf("decoding sample labels: %w", err)
	}
	if len(labels) == 0 {
		return nil, nil
	}
	return labels, nil
}

func (s *Store) UpsertSamples(ctx context.Context, samples []model.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	args := make([]any, 0, len(samples)*4)
	placeholders := make([]string, 0, len(samples))
	for i := range samples {
		sm := &samples[i]
		labels, err := labelsJSON(sm.Labels)
		if err != nil {
			return fmt.Errorf("encoding labels: %w", err)
		}
		n := i * 4
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4))
		args = append(args, sm.Time, sm.MetricID, sm.Value, labels)
	}

	query := `INSERT INTO metric_samples (time, metric_id, value, labels) VALUES ` +
		strings.Join(placeholders, ", ") +
		` ON CONFLICT (time, metric_id, labels) DO UPDATE SET value = EXCLUDED.value`

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upserting %d samples: %w", len(samples), err)
	}
	return nil
}

type pointRow struct {
	Time   time.Time `db:"time"`
	Value  float64   `db:"value"`
	Labels []byte    `db:"labels"`
}

func (s *Store) QueryRaw(ctx context.Context, metricID uuid.UUID, start, end time.Time, labels map[string]string, limit int) ([]model.MetricPoint, error) {
	filter, err := labelsJSON(labels)
	if err != nil {
		return nil, err
	}

	var rows []pointRow
	err = s.db.SelectContext(ctx, &rows,
		`SELECT time, value, labels FROM metric_samples
		 WHERE metric_id = $1 AND time >= $2 AND time <= $3 AND labels @> $4::jsonb
		 ORDER BY time DESC
		 LIMIT $5`,
		metricID, start, end, filter, limit)
	if err != nil {
		return nil, fmt.Errorf("querying raw samples: %w", err)
	}

	out := make([]model.MetricPoint, 0, len(rows))
	for i := range rows {
		lbls, err := decodeLabels(rows[i].Labels)
		if err != nil {
			return nil, err
		}
		out = append(out, model.MetricPoint{Timestamp: rows[i].Time, Value: rows[i].Value, Labels: lbls})
	}
	return out, nil
}

type bucketRow struct {
	Bucket time.Time `db:"bucket"`
	Avg    float64   `db:"avg"`
	Sum    float64   `db:"sum"`
	Min    float64   `db:"min"`
	Max    float64   `db:"max"`
	Count  int64     `db:"count"`
}

func (s *Store) QueryBuckets(ctx context.Context, metricID uuid.UUID, interval time.Duration, start, end time.Time, labels map[string]string) ([]model.BucketRow, error) {
	filter, err := labelsJSON(labels)
	if err != nil {
		return nil, err
	}

	var rows []bucketRow
	if view, ok := bucketViews[interval]; ok {
		// continuous aggregate path: fold the per-series view rows per bucket
		err = s.db.SelectContext(ctx, &rows,
			`SELECT bucket,
			        (sum(sum_value) / sum(sample_count))::double precision AS avg,
			        sum(sum_value)::double precision AS sum,
			        min(min_value)::double precision AS min,
			        max(max_value)::double precision AS max,
			        sum(sample_count)::bigint AS count
			 FROM `+view+`
			 WHERE metric_id = $1 AND bucket >= $2 AND bucket <= $3 AND labels @> $4::jsonb
			 GROUP BY bucket
			 ORDER BY bucket`,
			metricID, start.Truncate(interval), end, filter)
	} else {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT time_bucket($1::interval, time) AS bucket,
			        avg(value) AS avg,
			        sum(value) AS sum,
			        min(value) AS min,
			        max(value) AS max,
			        count(*)::bigint AS count
			 FROM metric_samples
			 WHERE metric_id = $2 AND time >= $3 AND time <= $4 AND labels @> $5::jsonb
			 GROUP BY bucket
			 ORDER BY bucket`,
			pgInterval(interval), metricID, start, end, filter)
	}
	if err != nil {
		return nil, fmt.Errorf("querying buckets: %w", err)
	}

	out := make([]model.BucketRow, len(rows))
	for i := range rows {
		out[i] = model.BucketRow(rows[i])
	}
	return out, nil
}

func (s *Store) Percentile(ctx context.Context, metricID uuid.UUID, q float64, start, end time.Time, labels map[string]string) (float64, bool, error) {
	filter, err := labelsJSON(labels)
	if err != nil {
		return 0, false, err
	}

	var v sql.NullFloat64
	err = s.db.GetContext(ctx, &v,
		`SELECT percentile_cont($1) WITHIN GROUP (ORDER BY value)
		 FROM metric_samples
		 WHERE metric_id = $2 AND time >= $3 AND time <= $4 AND labels @> $5::jsonb`,
		q, metricID, start, end, filter)
	if err != nil {
		return 0, false, fmt.Errorf("querying percentile: %w", err)
	}
	if !v.Valid {
		return 0, false, nil
	}
	return v.Float64, true, nil
}

func (s *Store) CountDistinctSeries(ctx context.Context, metricID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT count(DISTINCT labels) FROM metric_samples WHERE metric_id = $1 AND time >= $2`,
		metricID, since)
	if err != nil {
		return 0, fmt.Errorf("counting distinct series: %w", err)
	}
	return n, nil
}

type sampleRow struct {
	Time     time.Time `db:"time"`
	MetricID uuid.UUID `db:"metric_id"`
	Value    float64   `db:"value"`
	Labels   []byte    `db:"labels"`
}

func (s *Store) SamplesForRange(ctx context.Context, metricID uuid.UUID, start, end time.Time, limit, offset int) ([]model.Sample, error) {
	var rows []sampleRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT time, metric_id, value, labels FROM metric_samples
		 WHERE metric_id = $1 AND time >= $2 AND time < $3
		 ORDER BY time, labels
		 LIMIT $4 OFFSET $5`,
		metricID, start, end, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("paging samples: %w", err)
	}

	out := make([]model.Sample, 0, len(rows))
	for i := range rows {
		lbls, err := decodeLabels(rows[i].Labels)
		if err != nil {
			return nil, err
		}
		out = append(out, model.Sample{Time: rows[i].Time, MetricID: rows[i].MetricID, Value: rows[i].Value, Labels: lbls})
	}
	return out, nil
}

// DeleteSamplesRange removes rows in chunks keyed by the primary key. ctid
// batching is not safe on hypertables, chunk-local tuple ids repeat across
// chunks.
func (s *Store) DeleteSamplesRange(ctx context.Context, metricID uuid.UUID, start, end time.Time, batchSize int) (int64, error) {
	var total int64
	for {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM metric_samples m
			 USING (
			     SELECT time, metric_id, labels FROM metric_samples
			     WHERE metric_id = $1 AND time >= $2 AND time < $3
			     ORDER BY time
			     LIMIT $4
			 ) del
			 WHERE m.metric_id = del.metric_id AND m.time = del.time AND m.labels = del.labels`,
			metricID, start, end, batchSize)
		if err != nil {
			return total, fmt.Errorf("deleting samples: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 {
			return total, nil
		}
	}
}

func (s *Store) DistinctMetricIDsBefore(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.SelectContext(ctx, &ids,
		`SELECT DISTINCT metric_id FROM metric_samples WHERE time < $1 ORDER BY metric_id`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing metrics with aged samples: %w", err)
	}
	return ids, nil
}

func (s *Store) OldestSampleBefore(ctx context.Context, metricID uuid.UUID, before time.Time) (time.Time, bool, error) {
	var t sql.NullTime
	err := s.db.GetContext(ctx, &t,
		`SELECT min(time) FROM metric_samples WHERE metric_id = $1 AND time < $2`,
		metricID, before)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("finding oldest sample: %w", err)
	}
	if !t.Valid {
		return time.Time{}, false, nil
	}
	return t.Time, true, nil
}
