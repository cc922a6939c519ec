// Package archiver moves aged samples out of the hot store into compressed
// day segments in an object store, records their metadata and serves them
// back to the query path. The job is scheduled, single flight and idempotent
// per metric-day: a day with a recorded segment is never packed again.
package archiver

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/grafana/urd/metricdb"
	"github.com/grafana/urd/metricdb/backend"
	"github.com/grafana/urd/pkg/apierror"
	"github.com/grafana/urd/pkg/model"
)

const day = 24 * time.Hour

var (
	metricRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "urd",
		Subsystem: "archiver",
		Name:      "runs_total",
		Help:      "Completed archival runs by outcome.",
	}, []string{"outcome"})
	metricSegmentsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "urd",
		Subsystem: "archiver",
		Name:      "segments_created_total",
		Help:      "Day segments written to the object store.",
	})
	metricRowsArchived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "urd",
		Subsystem: "archiver",
		Name:      "rows_archived_total",
		Help:      "Samples moved to the object store.",
	})
	metricBytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "urd",
		Subsystem: "archiver",
		Name:      "bytes_written_total",
		Help:      "Compressed bytes uploaded.",
	})
	metricCleanupFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "urd",
		Subsystem: "archiver",
		Name:      "cleanup_failures_total",
		Help:      "Hot-store deletes that failed after a segment was written.",
	})
)

// ErrAlreadyRunning is returned by Trigger while a run is in flight.
var ErrAlreadyRunning = apierror.New(apierror.KindConflict, "an archival run is already in progress")

// SampleSource is the slice of the store the archiver reads and prunes.
type SampleSource interface {
	DistinctMetricIDsBefore(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
	OldestSampleBefore(ctx context.Context, metricID uuid.UUID, before time.Time) (time.Time, bool, error)
	SamplesForRange(ctx context.Context, metricID uuid.UUID, start, end time.Time, limit, offset int) ([]model.Sample, error)
	DeleteSamplesRange(ctx context.Context, metricID uuid.UUID, start, end time.Time, batchSize int) (int64, error)
	RunMaintenance(ctx context.Context) error
}

// Archiver runs the cold-tier job and answers archive reads.
type Archiver struct {
	services.Service

	cfg      Config
	samples  SampleSource
	segments metricdb.SegmentStore
	reader   backend.Reader
	writer   backend.Writer
	logger   log.Logger
	clock    clock.PassiveClock

	sched   *cron.Cron
	running atomic.Bool

	mtx             sync.Mutex
	runs            int64
	failedRuns      int64
	segmentsCreated int64
	rowsArchived    int64
	bytesWritten    int64
	lastRun         time.Time
	lastErr         error
}

func New(cfg Config, samples SampleSource, segments metricdb.SegmentStore, reader backend.Reader, writer backend.Writer, logger log.Logger) *Archiver {
	a := &Archiver{
		cfg:      cfg,
		samples:  samples,
		segments: segments,
		reader:   reader,
		writer:   writer,
		logger:   log.With(logger, "module", "archiver"),
		clock:    clock.RealClock{},
	}
	a.Service = services.NewBasicService(a.starting, a.loop, a.stopping)
	return a
}

func (a *Archiver) starting(context.Context) error {
	if !a.cfg.Enabled {
		level.Info(a.logger).Log("msg", "archival disabled")
		return nil
	}

	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	a.sched = cron.New(cron.WithParser(parser))
	_, err := a.sched.AddFunc(a.cfg.Schedule, func() {
		// The scheduler never sees an error: failed runs are recorded in
		// stats and retried on the next tick.
		if err := a.RunArchivalJob(context.Background()); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			level.Error(a.logger).Log("msg", "scheduled archival run failed", "err", err)
		}
	})
	if err != nil {
		return err
	}
	a.sched.Start()
	level.Info(a.logger).Log("msg", "archival scheduled", "schedule", a.cfg.Schedule, "retention", a.cfg.Retention)
	return nil
}

func (a *Archiver) loop(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (a *Archiver) stopping(_ error) error {
	if a.sched != nil {
		<-a.sched.Stop().Done()
	}
	return nil
}

// Trigger starts a run in the background. Conflict while one is in flight.
func (a *Archiver) Trigger() error {
	if !a.cfg.Enabled {
		return apierror.New(apierror.KindBadInput, "archival is disabled")
	}
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	go a.run(context.Background())
	return nil
}

// RunArchivalJob runs one archival pass synchronously. A second caller
// returns ErrAlreadyRunning immediately instead of queueing.
func (a *Archiver) RunArchivalJob(ctx context.Context) error {
	if !a.cfg.Enabled {
		return nil
	}
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	return a.run(ctx)
}

// run owns the running flag and releases it on every exit path.
func (a *Archiver) run(ctx context.Context) error {
	defer a.running.Store(false)

	start := a.clock.Now()
	cutoff := model.DayStart(start.Add(-a.cfg.Retention))
	level.Info(a.logger).Log("msg", "archival run starting", "cutoff", cutoff.Format(time.RFC3339))

	rows, err := a.archiveBefore(ctx, cutoff)

	a.mtx.Lock()
	a.runs++
	a.lastRun = start
	a.lastErr = err
	if err != nil {
		a.failedRuns++
	}
	a.mtx.Unlock()

	if err != nil {
		metricRuns.WithLabelValues("failed").Inc()
		level.Error(a.logger).Log("msg", "archival run failed", "err", err)
		return err
	}

	metricRuns.WithLabelValues("success").Inc()
	level.Info(a.logger).Log("msg", "archival run finished", "rows", rows, "duration", a.clock.Since(start))

	if rows > a.cfg.VacuumThresholdRows {
		go func() {
			if err := a.samples.RunMaintenance(context.Background()); err != nil {
				level.Warn(a.logger).Log("msg", "post-archival maintenance failed", "err", err)
			}
		}()
	}
	return nil
}

// archiveBefore packs every un-archived metric-day older than the cutoff.
// Metrics are processed in groups: groups run sequentially, members of a
// group in parallel.
func (a *Archiver) archiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ids, err := a.samples.DistinctMetricIDsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var total atomic.Int64
	for len(ids) > 0 {
		n := a.cfg.MaxConcurrentUploads
		if n > len(ids) {
			n = len(ids)
		}
		group, rest := ids[:n], ids[n:]
		ids = rest

		g, gctx := errgroup.WithContext(ctx)
		for _, id := range group {
			id := id
			g.Go(func() error {
				rows, err := a.archiveMetric(gctx, id, cutoff)
				total.Add(rows)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return total.Load(), err
		}
	}
	return total.Load(), nil
}

func (a *Archiver) archiveMetric(ctx context.Context, metricID uuid.UUID, cutoff time.Time) (int64, error) {
	oldest, ok, err := a.samples.OldestSampleBefore(ctx, metricID, cutoff)
	if err != nil || !ok {
		return 0, err
	}

	var rows int64
	for d := model.DayStart(oldest); d.Before(cutoff); d = d.Add(day) {
		n, err := a.archiveDay(ctx, metricID, d)
		if err != nil {
			// One broken day does not stop the rest of the metric; the
			// segment dedup check retries it next run.
			level.Error(a.logger).Log("msg", "day segment failed", "metric_id", metricID, "day", d.Format(time.DateOnly), "err", err)
			continue
		}
		rows += n
		if n > 0 {
			select {
			case <-time.After(a.cfg.DelayBetweenDays):
			case <-ctx.Done():
				return rows, ctx.Err()
			}
		}
	}
	return rows, nil
}

// archiveDay packs, uploads and records one metric-day, then prunes the hot
// rows. A failed prune is logged and retried by the next run's cleanup of
// already-archived days.
func (a *Archiver) archiveDay(ctx context.Context, metricID uuid.UUID, d time.Time) (int64, error) {
	exists, err := a.segments.SegmentExists(ctx, metricID, d)
	if err != nil {
		return 0, err
	}
	end := d.Add(day)

	var archived int64
	if !exists {
		var samples []model.Sample
		for offset := 0; ; offset += a.cfg.BatchSize {
			page, err := a.samples.SamplesForRange(ctx, metricID, d, end, a.cfg.BatchSize, offset)
			if err != nil {
				return 0, err
			}
			samples = append(samples, page...)
			if len(page) < a.cfg.BatchSize {
				break
			}
		}
		if len(samples) == 0 {
			return 0, nil
		}

		data, rawSize, labelKeys, err := packSegment(samples)
		if err != nil {
			return 0, err
		}

		name := model.SegmentObjectName(metricID, d)
		if err := a.writer.Write(ctx, name, bytes.NewReader(data), int64(len(data))); err != nil {
			return 0, err
		}

		seg := &model.ArchiveSegment{
			ID:               uuid.New(),
			MetricID:         metricID,
			StartTime:        d,
			EndTime:          end,
			StoragePath:      name,
			FileFormat:       model.SegmentFormatJSONGzip,
			FileSizeBytes:    int64(len(data)),
			RowCount:         int64(len(samples)),
			CompressionRatio: float64(rawSize) / float64(len(data)),
			LabelKeys:        labelKeys,
			CreatedAt:        a.clock.Now().UTC(),
		}
		if err := a.segments.InsertSegment(ctx, seg); err != nil && !errors.Is(err, metricdb.ErrAlreadyExists) {
			return 0, err
		}

		a.mtx.Lock()
		a.segmentsCreated++
		a.rowsArchived += seg.RowCount
		a.bytesWritten += seg.FileSizeBytes
		a.mtx.Unlock()
		metricSegmentsCreated.Inc()
		metricRowsArchived.Add(float64(seg.RowCount))
		metricBytesWritten.Add(float64(seg.FileSizeBytes))

		level.Info(a.logger).Log("msg", "day segment archived", "metric_id", metricID,
			"day", d.Format(time.DateOnly), "rows", seg.RowCount, "size", humanize.Bytes(uint64(seg.FileSizeBytes)))
		archived = seg.RowCount
	}

	// The segment is durable; hot rows for the day can go. This also mops up
	// rows a previous run archived but failed to delete.
	if _, err := a.samples.DeleteSamplesRange(ctx, metricID, d, end, a.cfg.BatchSize); err != nil {
		metricCleanupFailures.Inc()
		level.Warn(a.logger).Log("msg", "hot store cleanup failed, will retry next run", "metric_id", metricID, "day", d.Format(time.DateOnly), "err", err)
	}

	return archived, nil
}

// QueryArchive returns a lazy iterator over archived samples of one metric
// inside [start, end), ordered by time.
func (a *Archiver) QueryArchive(ctx context.Context, metricID uuid.UUID, start, end time.Time) (*Iterator, error) {
	if !start.Before(end) {
		return nil, apierror.New(apierror.KindBadInput, "invalid archive range: start %s is not before end %s",
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	segs, err := a.segments.SegmentsOverlapping(ctx, metricID, start, end)
	if err != nil {
		return nil, apierror.Wrap(apierror.KindTransient, err, "listing archive segments")
	}

	return &Iterator{
		reader:   a.reader,
		logger:   a.logger,
		metricID: metricID,
		start:    start,
		end:      end,
		segments: segs,
	}, nil
}

// CleanupSegments removes segments whose covered day ends at or before the
// cutoff, object first, metadata row second.
func (a *Archiver) CleanupSegments(ctx context.Context, before time.Time) (int, error) {
	segs, err := a.segments.SegmentsBefore(ctx, before)
	if err != nil {
		return 0, apierror.Wrap(apierror.KindTransient, err, "listing archive segments")
	}

	removed := 0
	for _, seg := range segs {
		if err := a.writer.Delete(ctx, seg.StoragePath); err != nil && !errors.Is(err, backend.ErrDoesNotExist) {
			return removed, apierror.Wrap(apierror.KindTransient, err, "deleting archive object %s", seg.StoragePath)
		}
		if err := a.segments.DeleteSegment(ctx, seg.ID); err != nil {
			return removed, apierror.Wrap(apierror.KindTransient, err, "deleting segment %s", seg.ID)
		}
		removed++
	}
	if removed > 0 {
		level.Info(a.logger).Log("msg", "archive segments removed", "count", removed, "before", before.Format(time.RFC3339))
	}
	return removed, nil
}

// Stats describes the archiver and the segment inventory.
type Stats struct {
	Running         bool       `json:"running"`
	Runs            int64      `json:"runs"`
	FailedRuns      int64      `json:"failedRuns"`
	SegmentsCreated int64      `json:"segmentsCreated"`
	RowsArchived    int64      `json:"rowsArchived"`
	BytesWritten    int64      `json:"bytesWritten"`
	LastRun         *time.Time `json:"lastRun,omitempty"`
	LastError       string     `json:"lastError,omitempty"`

	TotalSegments int64      `json:"totalSegments"`
	TotalRows     int64      `json:"totalRows"`
	TotalBytes    int64      `json:"totalBytes"`
	OldestDay     *time.Time `json:"oldestDay,omitempty"`
	NewestDay     *time.Time `json:"newestDay,omitempty"`
}

func (a *Archiver) Stats(ctx context.Context) (Stats, error) {
	a.mtx.Lock()
	s := Stats{
		Running:         a.running.Load(),
		Runs:            a.runs,
		FailedRuns:      a.failedRuns,
		SegmentsCreated: a.segmentsCreated,
		RowsArchived:    a.rowsArchived,
		BytesWritten:    a.bytesWritten,
	}
	if !a.lastRun.IsZero() {
		t := a.lastRun
		s.LastRun = &t
	}
	if a.lastErr != nil {
		s.LastError = a.lastErr.Error()
	}
	a.mtx.Unlock()

	store, err := a.segments.SegmentStats(ctx)
	if err != nil {
		return s, apierror.Wrap(apierror.KindTransient, err, "reading segment stats")
	}
	s.TotalSegments = store.Segments
	s.TotalRows = store.Rows
	s.TotalBytes = store.Bytes
	if !store.OldestDay.IsZero() {
		s.OldestDay = &store.OldestDay
	}
	if !store.NewestDay.IsZero() {
		s.NewestDay = &store.NewestDay
	}
	return s, nil
}
