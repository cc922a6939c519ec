// Package querier plans and executes metric queries: raw reads, bucketed
// aggregations, percentiles and counter rates, fanning out to the archive
// when the requested range reaches past the hot tier.
package querier

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"k8s.io/utils/clock"

	"github.com/grafana/urd/modules/archiver"
	"github.com/grafana/urd/pkg/apierror"
	"github.com/grafana/urd/pkg/model"
	"github.com/grafana/urd/pkg/rates"
)

var (
	metricQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "urd",
		Subsystem: "querier",
		Name:      "queries_total",
		Help:      "Queries executed by route.",
	}, []string{"route"})
	metricArchiveFanouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "urd",
		Subsystem: "querier",
		Name:      "archive_fanouts_total",
		Help:      "Queries whose range reached into the archive.",
	})
	metricQueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "urd",
		Subsystem: "querier",
		Name:      "query_duration_seconds",
		Help:      "Wall time of query execution.",
		Buckets:   prometheus.DefBuckets,
	})
)

// MetricLookup resolves metric names. *registry.Registry satisfies it.
type MetricLookup interface {
	GetByName(ctx context.Context, name string) (*model.Metric, error)
}

// SampleReader is the hot-tier read side of the store.
type SampleReader interface {
	QueryRaw(ctx context.Context, metricID uuid.UUID, start, end time.Time, labels map[string]string, limit int) ([]model.MetricPoint, error)
	QueryBuckets(ctx context.Context, metricID uuid.UUID, interval time.Duration, start, end time.Time, labels map[string]string) ([]model.BucketRow, error)
	Percentile(ctx context.Context, metricID uuid.UUID, q float64, start, end time.Time, labels map[string]string) (float64, bool, error)
}

// ArchiveReader serves samples older than the hot retention. *archiver.Archiver
// satisfies it; nil disables the fan-out.
type ArchiveReader interface {
	QueryArchive(ctx context.Context, metricID uuid.UUID, start, end time.Time) (*archiver.Iterator, error)
}

// Querier is the query planner.
type Querier struct {
	cfg      Config
	registry MetricLookup
	store    SampleReader
	archive  ArchiveReader
	logger   log.Logger
	clock    clock.PassiveClock
}

func New(cfg Config, registry MetricLookup, store SampleReader, archive ArchiveReader, logger log.Logger) *Querier {
	return &Querier{
		cfg:      cfg,
		registry: registry,
		store:    store,
		archive:  archive,
		logger:   log.With(logger, "module", "querier"),
		clock:    clock.RealClock{},
	}
}

// Query validates, plans and runs one query. Data in the result is ordered
// newest first.
func (q *Querier) Query(ctx context.Context, req model.QueryRequest) (*model.QueryResult, error) {
	started := q.clock.Now()
	defer func() {
		metricQueryDuration.Observe(q.clock.Since(started).Seconds())
	}()

	if req.MetricName == "" {
		return nil, apierror.New(apierror.KindBadInput, "metric name is required")
	}

	now := q.clock.Now().UTC()
	end := req.End
	if end.IsZero() {
		end = now
	}
	end = end.UTC()
	start := req.Start
	if start.IsZero() {
		start = end.Add(-24 * time.Hour)
	}
	start = start.UTC()

	if !start.Before(end) {
		return nil, apierror.New(apierror.KindBadInput, "startTime %s must be before endTime %s",
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	if end.Sub(start) > q.cfg.MaxSpan {
		return nil, apierror.New(apierror.KindBadInput, "time range of %s exceeds the maximum of %s", end.Sub(start), q.cfg.MaxSpan)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = q.cfg.DefaultLimit
	}
	if limit > q.cfg.MaxLimit {
		limit = q.cfg.MaxLimit
	}

	var interval time.Duration
	if req.Interval != "" {
		var err error
		interval, err = model.ParseInterval(req.Interval)
		if err != nil {
			return nil, apierror.New(apierror.KindBadInput, "%v", err)
		}
	}

	metric, err := q.registry.GetByName(ctx, req.MetricName)
	if err != nil {
		return nil, err
	}

	res := &model.QueryResult{
		Metric:      metric.Name,
		Aggregation: req.Aggregation,
		Interval:    req.Interval,
	}

	switch {
	case req.Aggregation == model.AggNone:
		metricQueries.WithLabelValues("raw").Inc()
		res.Data, err = q.queryRaw(ctx, metric.ID, start, end, req.Labels, limit)

	case req.Aggregation == model.AggRate:
		if metric.Kind != model.Counter {
			return nil, apierror.New(apierror.KindBadInput, "RATE requires a counter metric, %q is a %s", metric.Name, metric.Kind)
		}
		metricQueries.WithLabelValues("rate").Inc()
		res.Data, err = q.queryRate(ctx, metric.ID, start, end, req.Labels, limit)

	case req.Aggregation.IsPercentile():
		metricQueries.WithLabelValues("percentile").Inc()
		res.Data, err = q.queryPercentile(ctx, metric.ID, req.Aggregation.Quantile(), start, end, req.Labels)

	case interval == 0:
		metricQueries.WithLabelValues("range_aggregate").Inc()
		res.Data, err = q.queryWholeRange(ctx, metric.ID, req.Aggregation, start, end, req.Labels)

	default:
		metricQueries.WithLabelValues("bucketed").Inc()
		res.Data, err = q.queryBucketed(ctx, metric.ID, req.Aggregation, interval, start, end, req.Labels, limit)
	}
	if err != nil {
		return nil, err
	}

	res.TotalPoints = len(res.Data)
	return res, nil
}

// archiveCutoff is the time before which samples live in the archive.
func (q *Querier) archiveCutoff() time.Time {
	return q.clock.Now().UTC().Add(-q.cfg.HotRetention)
}

// archivedPoints fetches the archived portion of a range and filters it by
// the label predicate. Empty when the range never leaves the hot tier.
func (q *Querier) archivedPoints(ctx context.Context, metricID uuid.UUID, start, end time.Time, labels map[string]string) ([]model.MetricPoint, error) {
	cutoff := q.archiveCutoff()
	if q.archive == nil || !start.Before(cutoff) {
		return nil, nil
	}
	archEnd := end
	if cutoff.Before(archEnd) {
		archEnd = cutoff
	}

	it, err := q.archive.QueryArchive(ctx, metricID, start, archEnd)
	if err != nil {
		return nil, err
	}
	samples, err := it.Drain(ctx, q.cfg.MaxLimit)
	if err != nil {
		return nil, err
	}
	metricArchiveFanouts.Inc()

	var out []model.MetricPoint
	for _, s := range samples {
		if !labelsMatch(s.Labels, labels) {
			continue
		}
		out = append(out, model.MetricPoint{Timestamp: s.Time, Value: s.Value, Labels: s.Labels})
	}
	return out, nil
}

// mergePoints joins hot and archived points, newest first, keeping the hot
// copy when both tiers have the same (timestamp, labels) key.
func mergePoints(hot, archived []model.MetricPoint) []model.MetricPoint {
	if len(archived) == 0 {
		return hot
	}

	seen := make(map[string]struct{}, len(hot))
	key := func(p model.MetricPoint) string {
		return p.Timestamp.UTC().Format(time.RFC3339Nano) + "|" + model.LabelsKey(p.Labels)
	}
	out := make([]model.MetricPoint, 0, len(hot)+len(archived))
	for _, p := range hot {
		seen[key(p)] = struct{}{}
		out = append(out, p)
	}
	for _, p := range archived {
		if _, dup := seen[key(p)]; dup {
			continue
		}
		out = append(out, p)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

func (q *Querier) queryRaw(ctx context.Context, metricID uuid.UUID, start, end time.Time, labels map[string]string, limit int) ([]model.MetricPoint, error) {
	hot, err := q.store.QueryRaw(ctx, metricID, start, end, labels, limit)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindTransient, err, "querying samples")
	}

	archived, err := q.archivedPoints(ctx, metricID, start, end, labels)
	if err != nil {
		return nil, err
	}

	out := mergePoints(hot, archived)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *Querier) queryRate(ctx context.Context, metricID uuid.UUID, start, end time.Time, labels map[string]string, limit int) ([]model.MetricPoint, error) {
	// the rate of the oldest kept sample needs its predecessor, so read the
	// widest raw set the store allows, not just limit
	points, err := q.queryRaw(ctx, metricID, start, end, labels, q.cfg.MaxLimit)
	if err != nil {
		return nil, err
	}

	out := rates.Compute(points)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *Querier) queryPercentile(ctx context.Context, metricID uuid.UUID, quantile float64, start, end time.Time, labels map[string]string) ([]model.MetricPoint, error) {
	archived, err := q.archivedPoints(ctx, metricID, start, end, labels)
	if err != nil {
		return nil, err
	}

	if len(archived) == 0 {
		v, ok, err := q.store.Percentile(ctx, metricID, quantile, start, end, labels)
		if err != nil {
			return nil, apierror.Wrap(apierror.KindTransient, err, "computing percentile")
		}
		if !ok {
			return nil, nil
		}
		// a percentile collapses the range to one value, reported at the
		// range end
		return []model.MetricPoint{{Timestamp: end, Value: v}}, nil
	}

	// the range reaches into the archive: gather both tiers and interpolate
	// locally, the store cannot see the archived values
	hot, err := q.store.QueryRaw(ctx, metricID, start, end, labels, q.cfg.MaxLimit)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindTransient, err, "querying samples")
	}
	merged := mergePoints(hot, archived)
	if len(merged) == 0 {
		return nil, nil
	}
	values := make([]float64, len(merged))
	for i, p := range merged {
		values[i] = p.Value
	}
	return []model.MetricPoint{{Timestamp: end, Value: percentileCont(values, quantile)}}, nil
}

func (q *Querier) queryWholeRange(ctx context.Context, metricID uuid.UUID, agg model.Aggregation, start, end time.Time, labels map[string]string) ([]model.MetricPoint, error) {
	// one bucket as wide as the range; the store may still split it on
	// epoch alignment, so the rows are folded back together here
	rows, err := q.store.QueryBuckets(ctx, metricID, end.Sub(start), start, end, labels)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindTransient, err, "querying aggregate")
	}

	archived, err := q.archivedPoints(ctx, metricID, start, end, labels)
	if err != nil {
		return nil, err
	}
	for _, p := range archived {
		rows = append(rows, model.BucketRow{Bucket: p.Timestamp, Avg: p.Value, Sum: p.Value, Min: p.Value, Max: p.Value, Count: 1})
	}
	if len(rows) == 0 {
		return nil, nil
	}

	folded := foldBuckets(rows)
	return []model.MetricPoint{{Timestamp: end, Value: bucketValue(folded, agg)}}, nil
}

func (q *Querier) queryBucketed(ctx context.Context, metricID uuid.UUID, agg model.Aggregation, interval time.Duration, start, end time.Time, labels map[string]string, limit int) ([]model.MetricPoint, error) {
	if n := int(end.Sub(start) / interval); n > q.cfg.MaxBuckets {
		return nil, apierror.New(apierror.KindResourceExhausted,
			"query would return %d buckets, the maximum is %d: widen the interval or narrow the time range", n, q.cfg.MaxBuckets)
	}

	bctx, cancel := context.WithTimeout(ctx, q.cfg.BucketTimeout)
	defer cancel()

	rows, err := q.store.QueryBuckets(bctx, metricID, interval, start, end, labels)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apierror.Wrap(apierror.KindTransient, err,
				"aggregation timed out after %s: widen the interval or narrow the time range", q.cfg.BucketTimeout)
		}
		return nil, apierror.Wrap(apierror.KindTransient, err, "querying aggregate")
	}

	archived, err := q.archivedPoints(ctx, metricID, start, end, labels)
	if err != nil {
		return nil, err
	}
	rows = mergeArchivedBuckets(rows, archived, interval)

	out := make([]model.MetricPoint, 0, len(rows))
	for _, row := range rows {
		out = append(out, model.MetricPoint{Timestamp: row.Bucket, Value: bucketValue(row, agg)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// mergeArchivedBuckets folds archived samples into the hot bucket rows,
// bucketing them with the same epoch alignment the store uses.
func mergeArchivedBuckets(rows []model.BucketRow, archived []model.MetricPoint, interval time.Duration) []model.BucketRow {
	if len(archived) == 0 {
		return rows
	}

	byBucket := make(map[int64]model.BucketRow, len(rows))
	for _, row := range rows {
		byBucket[row.Bucket.UnixNano()] = row
	}
	for _, p := range archived {
		b := p.Timestamp.Truncate(interval)
		row, ok := byBucket[b.UnixNano()]
		if !ok {
			byBucket[b.UnixNano()] = model.BucketRow{Bucket: b, Avg: p.Value, Sum: p.Value, Min: p.Value, Max: p.Value, Count: 1}
			continue
		}
		row.Sum += p.Value
		row.Count++
		row.Min = math.Min(row.Min, p.Value)
		row.Max = math.Max(row.Max, p.Value)
		row.Avg = row.Sum / float64(row.Count)
		byBucket[b.UnixNano()] = row
	}

	out := make([]model.BucketRow, 0, len(byBucket))
	for _, row := range byBucket {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket.Before(out[j].Bucket) })
	return out
}

// foldBuckets combines rows into a single bucket spanning them all.
func foldBuckets(rows []model.BucketRow) model.BucketRow {
	folded := rows[0]
	for _, row := range rows[1:] {
		folded.Sum += row.Sum
		folded.Count += row.Count
		folded.Min = math.Min(folded.Min, row.Min)
		folded.Max = math.Max(folded.Max, row.Max)
	}
	if folded.Count > 0 {
		folded.Avg = folded.Sum / float64(folded.Count)
	}
	return folded
}

func bucketValue(row model.BucketRow, agg model.Aggregation) float64 {
	switch agg {
	case model.AggSum:
		return row.Sum
	case model.AggAvg:
		return row.Avg
	case model.AggMin:
		return row.Min
	case model.AggMax:
		return row.Max
	default: // COUNT
		return float64(row.Count)
	}
}

// percentileCont interpolates the q-quantile the way percentile_cont does.
func percentileCont(values []float64, quantile float64) float64 {
	sort.Float64s(values)
	if len(values) == 1 {
		return values[0]
	}
	pos := quantile * float64(len(values)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return values[lower]
	}
	frac := pos - float64(lower)
	return values[lower] + frac*(values[upper]-values[lower])
}

// labelsMatch reports whether the sample labels satisfy every pair of the
// predicate.
func labelsMatch(sample, predicate map[string]string) bool {
	for k, v := range predicate {
		if sample[k] != v {
			return false
		}
	}
	return true
}
