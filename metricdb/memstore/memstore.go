// Package memstore is an in-memory metricdb.Store. It backs the "memory"
// storage backend for single-node development and most of the engine's unit
// tests.
package memstore

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grafana/urd/metricdb"
	"github.com/grafana/urd/pkg/model"
)

type Store struct {
	mtx      sync.RWMutex
	metrics  map[uuid.UUID]*model.Metric
	byName   map[string]uuid.UUID
	series   map[uuid.UUID]map[string]*series
	segments []*model.ArchiveSegment
}

var _ metricdb.Store = (*Store)(nil)

// series holds the points of one label combination, ascending by time.
type series struct {
	key    string
	labels map[string]string
	points []point
}

type point struct {
	t time.Time
	v float64
}

func New() *Store {
	return &Store{
		metrics: map[uuid.UUID]*model.Metric{},
		byName:  map[string]uuid.UUID{},
		series:  map[uuid.UUID]map[string]*series{},
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) InsertMetric(_ context.Context, m *model.Metric) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.byName[m.Name]; ok {
		return metricdb.ErrAlreadyExists
	}
	s.metrics[m.ID] = copyMetric(m)
	s.byName[m.Name] = m.ID
	return nil
}

func (s *Store) GetMetricByName(_ context.Context, name string) (*model.Metric, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	id, ok := s.byName[name]
	if !ok {
		return nil, metricdb.ErrNotFound
	}
	return copyMetric(s.metrics[id]), nil
}

func (s *Store) GetMetricByID(_ context.Context, id uuid.UUID) (*model.Metric, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	m, ok := s.metrics[id]
	if !ok {
		return nil, metricdb.ErrNotFound
	}
	return copyMetric(m), nil
}

func (s *Store) ListMetrics(_ context.Context, onlyActive bool) ([]*model.Metric, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	out := make([]*model.Metric, 0, len(s.metrics))
	for _, m := range s.metrics {
		if onlyActive && !m.Active {
			continue
		}
		out = append(out, copyMetric(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UpdateMetric(_ context.Context, m *model.Metric) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	old, ok := s.metrics[m.ID]
	if !ok {
		return metricdb.ErrNotFound
	}
	if old.Name != m.Name {
		if _, taken := s.byName[m.Name]; taken {
			return metricdb.ErrAlreadyExists
		}
		delete(s.byName, old.Name)
		s.byName[m.Name] = m.ID
	}
	updated := copyMetric(m)
	updated.LabelSchema = old.LabelSchema
	s.metrics[m.ID] = updated
	return nil
}

func (s *Store) UpsertSamples(_ context.Context, samples []model.Sample) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for i := range samples {
		sm := &samples[i]
		byKey := s.series[sm.MetricID]
		if byKey == nil {
			byKey = map[string]*series{}
			s.series[sm.MetricID] = byKey
		}
		key := model.SeriesKey(sm.MetricID, sm.Labels)
		sr := byKey[key]
		if sr == nil {
			sr = &series{key: key, labels: copyLabels(sm.Labels)}
			byKey[key] = sr
		}
		sr.upsert(sm.Time, sm.Value)
	}
	return nil
}

func (sr *series) upsert(t time.Time, v float64) {
	i := sort.Search(len(sr.points), func(i int) bool { return !sr.points[i].t.Before(t) })
	if i < len(sr.points) && sr.points[i].t.Equal(t) {
		sr.points[i].v = v
		return
	}
	sr.points = append(sr.points, point{})
	copy(sr.points[i+1:], sr.points[i:])
	sr.points[i] = point{t: t, v: v}
}

// rangeClosed returns the points with start <= t <= end.
func (sr *series) rangeClosed(start, end time.Time) []point {
	lo := sort.Search(len(sr.points), func(i int) bool { return !sr.points[i].t.Before(start) })
	hi := sort.Search(len(sr.points), func(i int) bool { return sr.points[i].t.After(end) })
	return sr.points[lo:hi]
}

// rangeHalfOpen returns the points with start <= t < end.
func (sr *series) rangeHalfOpen(start, end time.Time) []point {
	lo := sort.Search(len(sr.points), func(i int) bool { return !sr.points[i].t.Before(start) })
	hi := sort.Search(len(sr.points), func(i int) bool { return !sr.points[i].t.Before(end) })
	return sr.points[lo:hi]
}

func (sr *series) matches(labels map[string]string) bool {
	for k, v := range labels {
		if sr.labels[k] != v {
			return false
		}
	}
	return true
}

func (s *Store) QueryRaw(_ context.Context, metricID uuid.UUID, start, end time.Time, labels map[string]string, limit int) ([]model.MetricPoint, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var out []model.MetricPoint
	for _, sr := range s.series[metricID] {
		if !sr.matches(labels) {
			continue
		}
		for _, p := range sr.rangeClosed(start, end) {
			out = append(out, model.MetricPoint{Timestamp: p.t, Value: p.v, Labels: copyLabels(sr.labels)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) QueryBuckets(_ context.Context, metricID uuid.UUID, interval time.Duration, start, end time.Time, labels map[string]string) ([]model.BucketRow, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	rows := map[int64]*model.BucketRow{}
	for _, sr := range s.series[metricID] {
		if !sr.matches(labels) {
			continue
		}
		for _, p := range sr.rangeClosed(start, end) {
			b := p.t.Truncate(interval)
			row := rows[b.UnixNano()]
			if row == nil {
				row = &model.BucketRow{Bucket: b, Min: p.v, Max: p.v}
				rows[b.UnixNano()] = row
			} else {
				row.Min = math.Min(row.Min, p.v)
				row.Max = math.Max(row.Max, p.v)
			}
			row.Sum += p.v
			row.Count++
		}
	}

	out := make([]model.BucketRow, 0, len(rows))
	for _, row := range rows {
		row.Avg = row.Sum / float64(row.Count)
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bucket.Before(out[j].Bucket) })
	return out, nil
}

func (s *Store) Percentile(_ context.Context, metricID uuid.UUID, q float64, start, end time.Time, labels map[string]string) (float64, bool, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var vals []float64
	for _, sr := range s.series[metricID] {
		if !sr.matches(labels) {
			continue
		}
		for _, p := range sr.rangeClosed(start, end) {
			vals = append(vals, p.v)
		}
	}
	if len(vals) == 0 {
		return 0, false, nil
	}
	sort.Float64s(vals)

	// same linear interpolation as percentile_cont
	h := q * float64(len(vals)-1)
	lo := int(math.Floor(h))
	if lo >= len(vals)-1 {
		return vals[len(vals)-1], true, nil
	}
	frac := h - float64(lo)
	return vals[lo] + frac*(vals[lo+1]-vals[lo]), true, nil
}

func (s *Store) CountDistinctSeries(_ context.Context, metricID uuid.UUID, since time.Time) (int, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	n := 0
	for _, sr := range s.series[metricID] {
		i := sort.Search(len(sr.points), func(i int) bool { return !sr.points[i].t.Before(since) })
		if i < len(sr.points) {
			n++
		}
	}
	return n, nil
}

func (s *Store) SamplesForRange(_ context.Context, metricID uuid.UUID, start, end time.Time, limit, offset int) ([]model.Sample, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	type keyed struct {
		key string
		s   model.Sample
	}
	var all []keyed
	for _, sr := range s.series[metricID] {
		for _, p := range sr.rangeHalfOpen(start, end) {
			all = append(all, keyed{
				key: sr.key,
				s:   model.Sample{Time: p.t, MetricID: metricID, Value: p.v, Labels: copyLabels(sr.labels)},
			})
		}
	}
	// stable order so pagination never skips or repeats rows
	sort.Slice(all, func(i, j int) bool {
		if !all[i].s.Time.Equal(all[j].s.Time) {
			return all[i].s.Time.Before(all[j].s.Time)
		}
		return all[i].key < all[j].key
	})

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]model.Sample, len(all))
	for i, k := range all {
		out[i] = k.s
	}
	return out, nil
}

func (s *Store) DeleteSamplesRange(_ context.Context, metricID uuid.UUID, start, end time.Time, _ int) (int64, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var deleted int64
	for key, sr := range s.series[metricID] {
		lo := sort.Search(len(sr.points), func(i int) bool { return !sr.points[i].t.Before(start) })
		hi := sort.Search(len(sr.points), func(i int) bool { return !sr.points[i].t.Before(end) })
		if lo == hi {
			continue
		}
		deleted += int64(hi - lo)
		sr.points = append(sr.points[:lo], sr.points[hi:]...)
		if len(sr.points) == 0 {
			delete(s.series[metricID], key)
		}
	}
	return deleted, nil
}

func (s *Store) DistinctMetricIDsBefore(_ context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var out []uuid.UUID
	for id, byKey := range s.series {
		for _, sr := range byKey {
			if len(sr.points) > 0 && sr.points[0].t.Before(cutoff) {
				out = append(out, id)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (s *Store) OldestSampleBefore(_ context.Context, metricID uuid.UUID, before time.Time) (time.Time, bool, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var oldest time.Time
	found := false
	for _, sr := range s.series[metricID] {
		if len(sr.points) == 0 || !sr.points[0].t.Before(before) {
			continue
		}
		if !found || sr.points[0].t.Before(oldest) {
			oldest = sr.points[0].t
			found = true
		}
	}
	return oldest, found, nil
}

func (s *Store) RunMaintenance(context.Context) error { return nil }

func (s *Store) InsertSegment(_ context.Context, seg *model.ArchiveSegment) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for _, e := range s.segments {
		if e.MetricID == seg.MetricID && e.StartTime.Equal(seg.StartTime) {
			return metricdb.ErrAlreadyExists
		}
	}
	cp := *seg
	s.segments = append(s.segments, &cp)
	return nil
}

func (s *Store) SegmentExists(_ context.Context, metricID uuid.UUID, day time.Time) (bool, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	for _, e := range s.segments {
		if e.MetricID == metricID && e.StartTime.Equal(day) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) SegmentsOverlapping(_ context.Context, metricID uuid.UUID, start, end time.Time) ([]*model.ArchiveSegment, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var out []*model.ArchiveSegment
	for _, e := range s.segments {
		if e.MetricID != metricID {
			continue
		}
		if !e.StartTime.After(end) && e.EndTime.After(start) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (s *Store) SegmentsBefore(_ context.Context, cutoff time.Time) ([]*model.ArchiveSegment, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var out []*model.ArchiveSegment
	for _, e := range s.segments {
		if !e.EndTime.After(cutoff) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (s *Store) DeleteSegment(_ context.Context, id uuid.UUID) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for i, e := range s.segments {
		if e.ID == id {
			s.segments = append(s.segments[:i], s.segments[i+1:]...)
			return nil
		}
	}
	return metricdb.ErrNotFound
}

func (s *Store) SegmentStats(context.Context) (metricdb.SegmentStats, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var stats metricdb.SegmentStats
	for _, e := range s.segments {
		stats.Segments++
		stats.Rows += e.RowCount
		stats.Bytes += e.FileSizeBytes
		if stats.OldestDay.IsZero() || e.StartTime.Before(stats.OldestDay) {
			stats.OldestDay = e.StartTime
		}
		if e.StartTime.After(stats.NewestDay) {
			stats.NewestDay = e.StartTime
		}
	}
	return stats, nil
}

func copyMetric(m *model.Metric) *model.Metric {
	cp := *m
	cp.LabelSchema = append([]string(nil), m.LabelSchema...)
	return &cp
}

func copyLabels(labels map[string]string) map[string]string {
	if labels == nil {
		return nil
	}
	cp := make(map[string]string, len(labels))
	for k, v := range labels {
		cp[k] = v
	}
	return cp
}
