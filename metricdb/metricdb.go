// Package metricdb defines the persistence contract for metric definitions,
// samples and archive segment metadata. The postgres sub-package implements
// it against TimescaleDB, memstore implements it in memory for tests and
// single-node development.
package metricdb

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/grafana/urd/pkg/model"
)

var (
	// ErrNotFound is returned when a referenced metric or segment does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned on unique key collisions.
	ErrAlreadyExists = errors.New("already exists")
)

// Store is the full gateway. Implementations must be safe for concurrent use.
type Store interface {
	MetricStore
	SampleStore
	SegmentStore

	Close() error
}

// MetricStore persists metric definitions.
type MetricStore interface {
	// InsertMetric stores a new definition. ErrAlreadyExists when the name is taken.
	InsertMetric(ctx context.Context, m *model.Metric) error
	// GetMetricByName returns the definition regardless of its active flag.
	GetMetricByName(ctx context.Context, name string) (*model.Metric, error)
	GetMetricByID(ctx context.Context, id uuid.UUID) (*model.Metric, error)
	// ListMetrics returns definitions ordered by name, all of them or active only.
	ListMetrics(ctx context.Context, onlyActive bool) ([]*model.Metric, error)
	// UpdateMetric rewrites the mutable fields of an existing definition.
	// The label schema is fixed at registration and left untouched.
	UpdateMetric(ctx context.Context, m *model.Metric) error
}

// SampleStore persists raw samples. Query methods treat both range bounds as
// inclusive; the archival methods SamplesForRange and DeleteSamplesRange use
// closed-open ranges because they walk calendar days.
type SampleStore interface {
	// UpsertSamples writes a batch, replacing the value of any sample whose
	// (time, metric, labels) key already exists.
	UpsertSamples(ctx context.Context, samples []model.Sample) error
	// QueryRaw returns matching samples newest first, truncated to limit.
	// Every pair in labels must match a sample's labels exactly.
	QueryRaw(ctx context.Context, metricID uuid.UUID, start, end time.Time, labels map[string]string, limit int) ([]model.MetricPoint, error)
	// QueryBuckets folds matching samples into fixed-width, epoch-aligned
	// buckets, ascending. Buckets with no samples are absent.
	QueryBuckets(ctx context.Context, metricID uuid.UUID, interval time.Duration, start, end time.Time, labels map[string]string) ([]model.BucketRow, error)
	// Percentile computes the interpolated q-quantile over matching values.
	// ok is false when no sample matched.
	Percentile(ctx context.Context, metricID uuid.UUID, q float64, start, end time.Time, labels map[string]string) (value float64, ok bool, err error)
	// CountDistinctSeries counts label combinations with at least one sample
	// at or after since.
	CountDistinctSeries(ctx context.Context, metricID uuid.UUID, since time.Time) (int, error)
	// SamplesForRange pages samples in [start, end) ascending by time.
	SamplesForRange(ctx context.Context, metricID uuid.UUID, start, end time.Time, limit, offset int) ([]model.Sample, error)
	// DeleteSamplesRange removes samples in [start, end) in batches of at
	// most batchSize rows and returns the number deleted.
	DeleteSamplesRange(ctx context.Context, metricID uuid.UUID, start, end time.Time, batchSize int) (int64, error)
	// DistinctMetricIDsBefore lists metrics that still have samples older
	// than the cutoff.
	DistinctMetricIDsBefore(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
	// OldestSampleBefore returns the earliest sample time older than before.
	// ok is false when the metric has no such sample.
	OldestSampleBefore(ctx context.Context, metricID uuid.UUID, before time.Time) (t time.Time, ok bool, err error)
	// RunMaintenance gives the store a chance to reclaim space after bulk
	// deletes. Implementations may no-op.
	RunMaintenance(ctx context.Context) error
}

// SegmentStore persists archive segment metadata.
type SegmentStore interface {
	// InsertSegment records a written segment. ErrAlreadyExists when the
	// metric-day is already archived.
	InsertSegment(ctx context.Context, seg *model.ArchiveSegment) error
	// SegmentExists reports whether the UTC day starting at day is archived.
	SegmentExists(ctx context.Context, metricID uuid.UUID, day time.Time) (bool, error)
	// SegmentsOverlapping returns segments intersecting [start, end],
	// ascending by start time.
	SegmentsOverlapping(ctx context.Context, metricID uuid.UUID, start, end time.Time) ([]*model.ArchiveSegment, error)
	// SegmentsBefore returns segments that end at or before the cutoff.
	SegmentsBefore(ctx context.Context, cutoff time.Time) ([]*model.ArchiveSegment, error)
	DeleteSegment(ctx context.Context, id uuid.UUID) error
	SegmentStats(ctx context.Context) (SegmentStats, error)
}

// SegmentStats are store-wide archive totals.
type SegmentStats struct {
	Segments  int64
	Rows      int64
	Bytes     int64
	OldestDay time.Time
	NewestDay time.Time
}
